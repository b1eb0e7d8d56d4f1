// Package initstate implements the one-shot initialization guard shared by
// the snapshot and image reader types.
//
// Guarded objects move through Uninitialized → Initializing → Valid. A
// failed initialization leaves the state at Initializing, which disables
// every guarded accessor and forbids another Initialize attempt. Violations
// are caller bugs, not data conditions, and panic.
package initstate

import "fmt"

type state int

const (
	uninitialized state = iota
	initializing
	valid
)

func (s state) String() string {
	switch s {
	case uninitialized:
		return "uninitialized"
	case initializing:
		return "initializing"
	case valid:
		return "valid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// noCopy flags accidental copies of guarded objects under `go vet`'s
// copylocks check. Snapshots are one-time captures and must not be
// duplicated.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// InitializationState tracks whether an object has been initialized exactly
// once. The zero value is ready to use. Types embedding it become
// copy-hostile: hand them around by pointer.
type InitializationState struct {
	noCopy noCopy
	s      state
}

// SetInitializing marks the start of initialization. It panics if
// initialization was already started or completed.
func (i *InitializationState) SetInitializing() {
	if i.s != uninitialized {
		panic(fmt.Sprintf("initstate: Initialize called on %s object", i.s))
	}
	i.s = initializing
}

// SetValid marks initialization as successfully completed. It panics unless
// SetInitializing was called first.
func (i *InitializationState) SetValid() {
	if i.s != initializing {
		panic(fmt.Sprintf("initstate: SetValid called on %s object", i.s))
	}
	i.s = valid
}

// CheckValid panics unless initialization completed successfully. Every
// guarded accessor calls this on entry.
func (i *InitializationState) CheckValid() {
	if i.s != valid {
		panic(fmt.Sprintf("initstate: access to %s object", i.s))
	}
}

// IsValid reports whether initialization completed successfully.
func (i *InitializationState) IsValid() bool {
	return i.s == valid
}
