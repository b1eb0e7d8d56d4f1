// Package snapshot captures the state of an exception sustained by another
// process: the faulting thread's register context and the Mach exception
// metadata, normalized across CPU families and word sizes.
package snapshot

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/go-machsnap/internal/initstate"
	"github.com/blacktop/go-machsnap/pkg/proc"
)

// ExceptionType is a Mach exception classification from <mach/exception_types.h>.
type ExceptionType uint32

const (
	ExcBadAccess      ExceptionType = 1
	ExcBadInstruction ExceptionType = 2
	ExcArithmetic     ExceptionType = 3
	ExcEmulation      ExceptionType = 4
	ExcSoftware       ExceptionType = 5
	ExcBreakpoint     ExceptionType = 6
	ExcSyscall        ExceptionType = 7
	ExcMachSyscall    ExceptionType = 8
	ExcRPCAlert       ExceptionType = 9
	ExcCrash          ExceptionType = 10
	ExcResource       ExceptionType = 11
	ExcGuard          ExceptionType = 12
	ExcCorpseNotify   ExceptionType = 13
)

var excStrings = map[ExceptionType]string{
	ExcBadAccess:      "EXC_BAD_ACCESS",
	ExcBadInstruction: "EXC_BAD_INSTRUCTION",
	ExcArithmetic:     "EXC_ARITHMETIC",
	ExcEmulation:      "EXC_EMULATION",
	ExcSoftware:       "EXC_SOFTWARE",
	ExcBreakpoint:     "EXC_BREAKPOINT",
	ExcSyscall:        "EXC_SYSCALL",
	ExcMachSyscall:    "EXC_MACH_SYSCALL",
	ExcRPCAlert:       "EXC_RPC_ALERT",
	ExcCrash:          "EXC_CRASH",
	ExcResource:       "EXC_RESOURCE",
	ExcGuard:          "EXC_GUARD",
	ExcCorpseNotify:   "EXC_CORPSE_NOTIFY",
}

func (e ExceptionType) String() string {
	if s, ok := excStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("exception(%d)", uint32(e))
}

// exceptionAddressCode maps an exception kind to the position in its code
// list that carries the faulting address. Kinds absent from the table do
// not report an address at all, which is different from reporting address 0.
var exceptionAddressCode = map[ExceptionType]int{
	ExcBadAccess:      1, // code[1] is the bad address
	ExcBadInstruction: 1,
}

// ExceptionSnapshot is an immutable record of one delivered Mach exception.
// Initialize must be called exactly once; after it succeeds the snapshot is
// read-only and safe for concurrent use. ExceptionSnapshot must not be
// copied; hand it around by pointer.
type ExceptionSnapshot struct {
	context     CPUContext
	codes       []uint64
	threadID    uint64
	exception   ExceptionType
	excCode0    uint32
	excAddress  uint64
	hasAddress  bool
	initialized initstate.InitializationState
}

// Initialize captures the exception described by the raw Mach exception
// handler callback arguments. Other than r, every parameter is passed
// through verbatim from the handler: the faulting thread's handle, the
// exception type, its code list, and the flavor-tagged raw thread state.
//
// No remote memory is read on this path; r supplies the remote task's CPU
// family and word size and resolves thread to a stable 64-bit ID.
func (e *ExceptionSnapshot) Initialize(
	r proc.Reader,
	thread proc.ThreadHandle,
	exception ExceptionType,
	codes []uint64,
	flavor ThreadStateFlavor,
	state []uint32,
) error {
	e.initialized.SetInitializing()

	info, err := r.DescribeThread(thread)
	if err != nil {
		log.Errorf("exception thread %d: %v", thread, err)
		return fmt.Errorf("describe exception thread %d: %w", thread, err)
	}
	e.threadID = info.ID

	switch r.CPU() {
	case types.CPUI386, types.CPUAmd64:
		err = e.context.initializeX86(r.Is64Bit(), flavor, state)
	case types.CPUArm64:
		err = e.context.initializeARM64(flavor, state)
	default:
		err = fmt.Errorf("unsupported task CPU %s", r.CPU())
	}
	if err != nil {
		log.Errorf("exception context for thread %#x: %v", info.ID, err)
		return fmt.Errorf("exception context: %w", err)
	}

	e.exception = exception
	e.codes = make([]uint64, len(codes))
	copy(e.codes, codes)
	if len(e.codes) > 0 {
		e.excCode0 = uint32(e.codes[0])
	}
	if pos, ok := exceptionAddressCode[exception]; ok && pos < len(e.codes) {
		e.excAddress = e.codes[pos]
		e.hasAddress = true
	}

	e.initialized.SetValid()
	return nil
}

// Context returns the captured register state.
func (e *ExceptionSnapshot) Context() *CPUContext {
	e.initialized.CheckValid()
	return &e.context
}

// ThreadID returns the kernel thread ID of the faulting thread. The value
// is stable for the snapshot's lifetime, not necessarily in the OS beyond
// the capture instant.
func (e *ExceptionSnapshot) ThreadID() uint64 {
	e.initialized.CheckValid()
	return e.threadID
}

// Exception returns the Mach exception type.
func (e *ExceptionSnapshot) Exception() ExceptionType {
	e.initialized.CheckValid()
	return e.exception
}

// ExceptionInfo returns the first exception code, or 0 if the code list was
// empty.
func (e *ExceptionSnapshot) ExceptionInfo() uint32 {
	e.initialized.CheckValid()
	return e.excCode0
}

// ExceptionAddress returns the faulting address for exception kinds that
// carry one, and 0 otherwise. Use ExceptionAddressValid to tell a fault at
// address 0 apart from no address at all.
func (e *ExceptionSnapshot) ExceptionAddress() uint64 {
	e.initialized.CheckValid()
	return e.excAddress
}

// ExceptionAddressValid reports whether ExceptionAddress carries a real
// faulting address for this exception kind.
func (e *ExceptionSnapshot) ExceptionAddressValid() bool {
	e.initialized.CheckValid()
	return e.hasAddress
}

// Codes returns the full exception code list in delivery order. It may be
// empty. The returned slice is owned by the snapshot; callers must not
// modify it.
func (e *ExceptionSnapshot) Codes() []uint64 {
	e.initialized.CheckValid()
	return e.codes
}
