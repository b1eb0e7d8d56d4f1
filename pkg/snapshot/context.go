package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// ThreadStateFlavor identifies which register-set layout a raw thread-state
// blob carries. Values are from <mach/i386/thread_status.h> and
// <mach/arm/thread_status.h>.
type ThreadStateFlavor uint32

const (
	X86ThreadState32 ThreadStateFlavor = 1
	X86ThreadState64 ThreadStateFlavor = 4
	// X86ThreadState is the universal flavor: a {flavor, count} header
	// followed by one of the sized states above.
	X86ThreadState ThreadStateFlavor = 7

	ARMThreadState64 ThreadStateFlavor = 6
)

// Expected state sizes in 32-bit words (mach_msg_type_number_t units).
const (
	x86ThreadState32Count = 16
	x86ThreadState64Count = 42
	armThreadState64Count = 68

	// the universal flavor's x86_state_hdr_t
	x86StateHdrCount = 2
)

func (f ThreadStateFlavor) String() string {
	switch f {
	case X86ThreadState32:
		return "x86_THREAD_STATE32"
	case X86ThreadState64:
		return "x86_THREAD_STATE64"
	case X86ThreadState:
		return "x86_THREAD_STATE"
	case ARMThreadState64:
		return "ARM_THREAD_STATE64"
	}
	return fmt.Sprintf("flavor(%d)", uint32(f))
}

// CPUContextX86 carries the x86_thread_state32_t layout verbatim.
type CPUContextX86 struct {
	EAX, EBX, ECX, EDX uint32
	EDI, ESI, EBP, ESP uint32
	SS, EFlags         uint32
	EIP, CS            uint32
	DS, ES, FS, GS     uint32
}

// CPUContextX86_64 carries the x86_thread_state64_t layout verbatim.
type CPUContextX86_64 struct {
	RAX, RBX, RCX, RDX uint64
	RDI, RSI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
	CS, FS, GS         uint64
}

// CPUContextARM64 carries the arm_thread_state64_t layout verbatim.
type CPUContextARM64 struct {
	X      [29]uint64
	FP, LR uint64
	SP, PC uint64
	CPSR   uint32
	Flags  uint32
}

// CPUContext is a tagged union over the supported register-set variants.
// Exactly one variant is non-nil, selected by the remote task's CPU family
// and word size at capture time and never re-tagged.
type CPUContext struct {
	CPU    types.CPU
	X86    *CPUContextX86
	X86_64 *CPUContextX86_64
	ARM64  *CPUContextARM64
}

// Is64Bit reports the pointer width of the captured register set.
func (c *CPUContext) Is64Bit() bool {
	return c.X86_64 != nil || c.ARM64 != nil
}

// InstructionPointer returns the program counter of the captured state.
func (c *CPUContext) InstructionPointer() uint64 {
	switch {
	case c.X86 != nil:
		return uint64(c.X86.EIP)
	case c.X86_64 != nil:
		return c.X86_64.RIP
	case c.ARM64 != nil:
		return c.ARM64.PC
	}
	panic("snapshot: CPUContext has no variant")
}

// StackPointer returns the stack pointer of the captured state.
func (c *CPUContext) StackPointer() uint64 {
	switch {
	case c.X86 != nil:
		return uint64(c.X86.ESP)
	case c.X86_64 != nil:
		return c.X86_64.RSP
	case c.ARM64 != nil:
		return c.ARM64.SP
	}
	panic("snapshot: CPUContext has no variant")
}

// stateBytes reassembles the natural_t word array the kernel delivered into
// the little-endian byte stream the typed layouts decode from.
func stateBytes(state []uint32) []byte {
	buf := make([]byte, 4*len(state))
	for i, w := range state {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

// initializeX86 decodes an x86-family state blob into ctx, selecting the
// 32- or 64-bit variant by is64. The universal x86_THREAD_STATE flavor is
// unwrapped once; its inner header must agree with the outer sizing.
func (ctx *CPUContext) initializeX86(is64 bool, flavor ThreadStateFlavor, state []uint32) error {
	if flavor == X86ThreadState {
		if len(state) < x86StateHdrCount {
			return fmt.Errorf("x86_THREAD_STATE too small for header: %d", len(state))
		}
		inner := ThreadStateFlavor(state[0])
		count := state[1]
		state = state[x86StateHdrCount:]
		if uint32(len(state)) != count {
			return fmt.Errorf("x86_THREAD_STATE inner count %d, have %d words", count, len(state))
		}
		flavor = inner
	}

	switch flavor {
	case X86ThreadState32:
		if is64 {
			return fmt.Errorf("%s for 64-bit task", flavor)
		}
		if len(state) != x86ThreadState32Count {
			return fmt.Errorf("%s count %d, expected %d", flavor, len(state), x86ThreadState32Count)
		}
		ctx.CPU = types.CPUI386
		ctx.X86 = new(CPUContextX86)
		return binary.Read(bytes.NewReader(stateBytes(state)), binary.LittleEndian, ctx.X86)
	case X86ThreadState64:
		if !is64 {
			return fmt.Errorf("%s for 32-bit task", flavor)
		}
		if len(state) != x86ThreadState64Count {
			return fmt.Errorf("%s count %d, expected %d", flavor, len(state), x86ThreadState64Count)
		}
		ctx.CPU = types.CPUAmd64
		ctx.X86_64 = new(CPUContextX86_64)
		return binary.Read(bytes.NewReader(stateBytes(state)), binary.LittleEndian, ctx.X86_64)
	}
	return fmt.Errorf("unexpected x86 thread state flavor %s", flavor)
}

// initializeARM64 decodes an arm64 state blob into ctx.
func (ctx *CPUContext) initializeARM64(flavor ThreadStateFlavor, state []uint32) error {
	if flavor != ARMThreadState64 {
		return fmt.Errorf("unexpected arm64 thread state flavor %s", flavor)
	}
	if len(state) != armThreadState64Count {
		return fmt.Errorf("%s count %d, expected %d", flavor, len(state), armThreadState64Count)
	}
	ctx.CPU = types.CPUArm64
	ctx.ARM64 = new(CPUContextARM64)
	return binary.Read(bytes.NewReader(stateBytes(state)), binary.LittleEndian, ctx.ARM64)
}
