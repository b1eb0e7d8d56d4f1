package proc

import (
	"errors"

	"github.com/blacktop/go-macho/types"
)

var (
	// ErrUnmapped is returned (wrapped in a *MemoryError) when a read
	// touches an address outside the Buffer's mapping.
	ErrUnmapped = errors.New("address not mapped")
	// ErrNoThread is returned by DescribeThread for an unknown handle.
	ErrNoThread = errors.New("no such thread")
)

// Buffer is an in-memory Reader: a single contiguous mapping at a fixed base
// address plus a set of registered threads. It backs tests and replay of
// captured memory. The zero value is an empty 32-bit i386 task; use
// NewBuffer for anything real.
type Buffer struct {
	base    uint64
	data    []byte
	cpu     types.CPU
	subCPU  types.CPUSubtype
	threads map[ThreadHandle]ThreadInfo
}

// NewBuffer maps data at base in a fake task of the given CPU family.
func NewBuffer(cpu types.CPU, base uint64, data []byte) *Buffer {
	return &Buffer{
		base:    base,
		data:    data,
		cpu:     cpu,
		threads: make(map[ThreadHandle]ThreadInfo),
	}
}

// AddThread registers a thread so DescribeThread can resolve handle.
func (b *Buffer) AddThread(handle ThreadHandle, info ThreadInfo) {
	if b.threads == nil {
		b.threads = make(map[ThreadHandle]ThreadInfo)
	}
	if info.CPU == 0 {
		info.CPU = b.cpu
	}
	b.threads[handle] = info
}

// ReadMemory copies size bytes at addr, failing with a *MemoryError wrapping
// ErrUnmapped if any part of the range falls outside the mapping.
func (b *Buffer) ReadMemory(addr, size uint64) ([]byte, error) {
	end := addr + size
	if end < addr || addr < b.base || end > b.base+uint64(len(b.data)) {
		return nil, &MemoryError{Addr: addr, Size: size, Err: ErrUnmapped}
	}
	out := make([]byte, size)
	copy(out, b.data[addr-b.base:end-b.base])
	return out, nil
}

func (b *Buffer) DescribeThread(h ThreadHandle) (*ThreadInfo, error) {
	info, ok := b.threads[h]
	if !ok {
		return nil, ErrNoThread
	}
	return &info, nil
}

func (b *Buffer) CPU() types.CPU {
	return b.cpu
}

func (b *Buffer) Is64Bit() bool {
	return b.cpu&0x01000000 != 0 // CPU_ARCH_ABI64
}
