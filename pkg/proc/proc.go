// Package proc abstracts access to the memory and threads of another
// process. The snapshot and image readers only ever consume this capability;
// a real implementation wraps mach_vm_read/thread_info, and tests use the
// in-memory Buffer.
package proc

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// ThreadHandle is a native thread handle (a Mach port name) valid in the
// context of the process that received it.
type ThreadHandle uint32

// ThreadInfo describes a single thread of the remote task.
type ThreadInfo struct {
	ID     uint64 // kernel thread ID, stable for the life of the thread
	CPU    types.CPU
	SubCPU types.CPUSubtype
}

// Reader is the capability to inspect a remote task: copy bytes out of its
// address space and describe its threads. Implementations may block on OS
// I/O; callers needing bounded latency must impose it at this boundary.
//
// Reader is borrowed, never owned, by the types that consume it. Once those
// types finish initializing they retain nothing that points back into the
// remote process.
type Reader interface {
	// ReadMemory copies size bytes starting at addr in the remote address
	// space. It returns either all size bytes or an error (wrapped in a
	// *MemoryError); there are no short reads.
	ReadMemory(addr, size uint64) ([]byte, error)

	// DescribeThread resolves a native thread handle to thread metadata.
	DescribeThread(h ThreadHandle) (*ThreadInfo, error)

	// CPU returns the instruction-set family of the remote task.
	CPU() types.CPU

	// Is64Bit reports whether the remote task uses 64-bit pointers. This
	// selects which width of Mach-O and thread-state structures to decode.
	Is64Bit() bool
}

// MemoryError is the failure to read a range of remote memory. The range is
// the one the caller asked for, not the subrange that failed.
type MemoryError struct {
	Addr uint64
	Size uint64
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("read %#x byte(s) at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}
