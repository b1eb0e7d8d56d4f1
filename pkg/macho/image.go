package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/go-machsnap/internal/initstate"
	"github.com/blacktop/go-machsnap/pkg/proc"
)

// maxSections is the ceiling on sections across all segments of one image.
// The file format allows a uint32 per segment, but nlist symbol table
// entries address sections with a single byte, so nothing beyond the first
// 255 is reachable and an image declaring more is rejected as malformed.
const maxSections = 255

// loadCommandHeaderSize covers the {cmd, cmdsize} prefix shared by every
// load command.
const loadCommandHeaderSize = 8

// machHeaderHead is the width-independent prefix of mach_header and
// mach_header_64. The 64-bit form appends one reserved word, which
// types.FileHeader carries but the 32-bit on-disk layout does not, so the
// remote bytes are decoded through this prefix for both widths.
type machHeaderHead struct {
	Magic        types.Magic
	CPU          types.CPU
	SubCPU       types.CPUSubtype
	Type         types.HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        types.HeaderFlag
}

// ImageReader walks the Mach-O header and load commands of an image mapped
// into another process, reading every LC_SEGMENT or LC_SEGMENT_64 with a
// SegmentReader and capturing the image's LC_UUID if present.
//
// Initialize must be called exactly once and must succeed before any other
// method is used. ImageReader must not be copied.
type ImageReader struct {
	address      uint64
	name         string
	header       types.FileHeader
	uuid         types.UUID
	hasUUID      bool
	segments     []*SegmentReader
	segmentIndex map[string]int
	initialized  initstate.InitializationState
}

// Initialize reads the mach_header or mach_header_64 at address in the
// remote process and walks the load commands that follow it. name is used
// in logged diagnostics, conventionally the image's path.
func (m *ImageReader) Initialize(r proc.Reader, address uint64, name string) error {
	m.initialized.SetInitializing()
	m.address = address
	m.name = name

	headerSize := uint64(types.FileHeaderSize32)
	expectMagic := types.Magic32
	if r.Is64Bit() {
		headerSize = uint64(types.FileHeaderSize64)
		expectMagic = types.Magic64
	}

	buf, err := r.ReadMemory(address, headerSize)
	if err != nil {
		log.Errorf("could not read mach header at %#x, %s: %v", address, name, err)
		return fmt.Errorf("read mach header: %w", err)
	}
	var head machHeaderHead
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &head); err != nil {
		return fmt.Errorf("decode mach header: %w", err)
	}
	m.header = types.FileHeader{
		Magic:        head.Magic,
		CPU:          head.CPU,
		SubCPU:       head.SubCPU,
		Type:         head.Type,
		NCommands:    head.NCommands,
		SizeCommands: head.SizeCommands,
		Flags:        head.Flags,
	}

	if m.header.Magic != expectMagic {
		log.Errorf("mach header at %#x, %s: magic %#x, expected %#x",
			address, name, uint32(m.header.Magic), uint32(expectMagic))
		return fmt.Errorf("unexpected mach magic %#x", uint32(m.header.Magic))
	}
	switch m.header.Type {
	case types.MH_EXECUTE, types.MH_DYLIB, types.MH_DYLINKER, types.MH_BUNDLE:
	default:
		log.Errorf("mach header at %#x, %s: unexpected file type %d", address, name, uint32(m.header.Type))
		return fmt.Errorf("unexpected mach file type %d", uint32(m.header.Type))
	}

	m.segments = make([]*SegmentReader, 0)
	m.segmentIndex = make(map[string]int)

	// The load command region begins immediately after the header and spans
	// SizeCommands bytes. Each command's declared size must keep the walk
	// inside that region.
	commandAddress := address + headerSize
	commandsEnd := commandAddress + uint64(m.header.SizeCommands)
	sections := uint32(0)

	for i := uint32(0); i < m.header.NCommands; i++ {
		info := fmt.Sprintf("load command %d/%d in %s", i, m.header.NCommands, name)

		if commandAddress+loadCommandHeaderSize > commandsEnd {
			log.Errorf("%s at %#x: extends beyond sizeofcmds", info, commandAddress)
			return fmt.Errorf("load command %d extends beyond sizeofcmds", i)
		}
		buf, err := r.ReadMemory(commandAddress, loadCommandHeaderSize)
		if err != nil {
			log.Errorf("could not read %s at %#x: %v", info, commandAddress, err)
			return fmt.Errorf("read load command %d: %w", i, err)
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(buf))
		cmdsize := binary.LittleEndian.Uint32(buf[4:])

		if cmdsize < loadCommandHeaderSize || commandAddress+uint64(cmdsize) > commandsEnd {
			log.Errorf("%s at %#x: cmdsize %d extends beyond sizeofcmds", info, commandAddress, cmdsize)
			return fmt.Errorf("load command %d: cmdsize %d out of range", i, cmdsize)
		}

		switch cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			seg := new(SegmentReader)
			if err := seg.Initialize(r, commandAddress, info); err != nil {
				return fmt.Errorf("segment of %s: %w", name, err)
			}
			sections += seg.segment.Nsect
			if sections > maxSections {
				log.Errorf("%s at %#x: %d sections in image exceeds %d", info, commandAddress, sections, maxSections)
				return fmt.Errorf("%d sections in image exceeds %d", sections, maxSections)
			}
			if _, ok := m.segmentIndex[seg.nameInternal()]; !ok {
				m.segmentIndex[seg.nameInternal()] = len(m.segments)
			}
			m.segments = append(m.segments, seg)
		case types.LC_UUID:
			var uc types.UUIDCmd
			if uint64(cmdsize) < uint64(binary.Size(uc)) {
				log.Errorf("%s at %#x: uuid cmdsize %d too small", info, commandAddress, cmdsize)
				return fmt.Errorf("uuid command %d: cmdsize %d too small", i, cmdsize)
			}
			buf, err := r.ReadMemory(commandAddress, uint64(binary.Size(uc)))
			if err != nil {
				log.Errorf("could not read uuid %s at %#x: %v", info, commandAddress, err)
				return fmt.Errorf("read uuid command %d: %w", i, err)
			}
			if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &uc); err != nil {
				return fmt.Errorf("decode uuid command %d: %w", i, err)
			}
			m.uuid = uc.UUID
			m.hasUUID = true
		default:
			// Everything else (symbol tables, dylib references, code
			// signatures) is outside this reader's concern.
			log.Debugf("skipping %s: cmd %#x", info, uint32(cmd))
		}

		commandAddress += uint64(cmdsize)
	}

	m.initialized.SetValid()
	return nil
}

// Address returns the address the image's mach header was read from.
func (m *ImageReader) Address() uint64 {
	m.initialized.CheckValid()
	return m.address
}

// Header returns the image's mach header.
func (m *ImageReader) Header() types.FileHeader {
	m.initialized.CheckValid()
	return m.header
}

// UUID returns the image's LC_UUID value and whether one was present.
func (m *ImageReader) UUID() (types.UUID, bool) {
	m.initialized.CheckValid()
	return m.uuid, m.hasUUID
}

// Segments returns the image's segments in load command order. The slice is
// owned by the reader; callers must not modify it.
func (m *ImageReader) Segments() []*SegmentReader {
	m.initialized.CheckValid()
	return m.segments
}

// GetSegmentByName returns the segment named segmentName ("__TEXT"), or nil
// if the image has no such segment. When duplicate names exist the first
// segment in load command order wins.
func (m *ImageReader) GetSegmentByName(segmentName string) *SegmentReader {
	m.initialized.CheckValid()
	i, ok := m.segmentIndex[segmentName]
	if !ok {
		return nil
	}
	return m.segments[i]
}

// GetSectionByName returns the named section of the named segment, or nil
// if either is absent.
func (m *ImageReader) GetSectionByName(segmentName, sectionName string) *Section {
	m.initialized.CheckValid()
	seg := m.GetSegmentByName(segmentName)
	if seg == nil {
		return nil
	}
	return seg.GetSectionByName(sectionName)
}
