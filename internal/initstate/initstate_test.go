package initstate

import "testing"

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}

func TestLifecycle(t *testing.T) {
	var s InitializationState
	if s.IsValid() {
		t.Error("zero value should not be valid")
	}
	mustPanic(t, "CheckValid before Initialize", func() { s.CheckValid() })

	s.SetInitializing()
	if s.IsValid() {
		t.Error("initializing should not be valid")
	}
	mustPanic(t, "CheckValid while initializing", func() { s.CheckValid() })
	mustPanic(t, "SetInitializing twice", func() { s.SetInitializing() })

	s.SetValid()
	if !s.IsValid() {
		t.Error("expected valid after SetValid")
	}
	s.CheckValid()
	mustPanic(t, "SetInitializing after valid", func() { s.SetInitializing() })
	mustPanic(t, "SetValid twice", func() { s.SetValid() })
}

func TestFailedInitializeStaysDisabled(t *testing.T) {
	// A failed Initialize leaves the state at initializing: accessors and a
	// second Initialize must both panic.
	var s InitializationState
	s.SetInitializing()
	mustPanic(t, "CheckValid after failed init", func() { s.CheckValid() })
	mustPanic(t, "re-Initialize after failed init", func() { s.SetInitializing() })
}

func TestSetValidWithoutInitializing(t *testing.T) {
	var s InitializationState
	mustPanic(t, "SetValid on uninitialized", func() { s.SetValid() })
}
