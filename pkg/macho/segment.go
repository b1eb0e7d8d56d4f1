// Package macho reads Mach-O image structures out of another process's
// address space. Unlike a file-backed Mach-O parser, everything here is
// reconstructed from remote memory that may be truncated, unmapped, or
// deliberately malformed; parsing failures are reported, never fatal.
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

var (
	segmentCommandSize32 = uint64(binary.Size(types.Segment32{}))
	segmentCommandSize64 = uint64(binary.Size(types.Segment64{}))
	sectionSize32        = uint64(binary.Size(types.Section32{}))
	sectionSize64        = uint64(binary.Size(types.Section64{}))
)

const pageZeroSegment = "__PAGEZERO"

// Section is one section descriptor from a segment load command, widened to
// 64-bit field widths regardless of the source image's bitness (Reserve3 is
// zero for 32-bit sources). The addr field is the preferred load address as
// stored in the image, unadjusted for slide.
type Section struct {
	types.Section64
}

// Name returns the section's name, decoded defensively.
func (s *Section) Name() string {
	return SectionNameString(s.Section64.Name)
}

// SegmentName returns the name of the segment the section declares itself
// to belong to.
func (s *Section) SegmentName() string {
	return SegmentNameString(s.Seg)
}

// SegmentReader reads one LC_SEGMENT or LC_SEGMENT_64 load command, and the
// section descriptors that follow it, from a Mach-O image mapped into
// another process. The width of the structures to decode is chosen by the
// remote task's bitness.
//
// A SegmentReader is normally instantiated by an ImageReader as it walks an
// image's load commands. Initialize must be called exactly once and must
// succeed before any other method is used. SegmentReader must not be
// copied.
type SegmentReader struct {
	segment      types.Segment64
	sections     []*Section
	sectionIndex map[string]int
	initialized  initstate.InitializationState
}

// Initialize reads the segment load command at loadCommandAddress in the
// remote process. loadCommandInfo is included in logged diagnostics and may
// be empty. On failure an appropriate message is logged and the reader is
// left unusable.
func (s *SegmentReader) Initialize(r proc.Reader, loadCommandAddress uint64, loadCommandInfo string) error {
	s.initialized.SetInitializing()

	expectCmd := types.LC_SEGMENT
	segSize, sectSize := segmentCommandSize32, sectionSize32
	if r.Is64Bit() {
		expectCmd = types.LC_SEGMENT_64
		segSize, sectSize = segmentCommandSize64, sectionSize64
	}

	buf, err := r.ReadMemory(loadCommandAddress, segSize)
	if err != nil {
		log.Errorf("could not read segment command at %#x, %s: %v", loadCommandAddress, loadCommandInfo, err)
		return fmt.Errorf("read segment command: %w", err)
	}
	if r.Is64Bit() {
		err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &s.segment)
	} else {
		var seg32 types.Segment32
		if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &seg32); err == nil {
			s.segment = widenSegment(seg32)
		}
	}
	if err != nil {
		return fmt.Errorf("decode segment command: %w", err)
	}

	if s.segment.LoadCmd != expectCmd {
		log.Errorf("segment command at %#x, %s: load command %#x is not %s",
			loadCommandAddress, loadCommandInfo, uint32(s.segment.LoadCmd), expectCmd)
		return fmt.Errorf("unexpected load command %#x", uint32(s.segment.LoadCmd))
	}

	// cmdsize must account for the segment command and its sections exactly.
	expectLen := segSize + uint64(s.segment.Nsect)*sectSize
	if uint64(s.segment.Len) != expectLen {
		log.Errorf("segment command %s at %#x, %s: cmdsize %d, expected %d for %d section(s)",
			s.nameInternal(), loadCommandAddress, loadCommandInfo, s.segment.Len, expectLen, s.segment.Nsect)
		return fmt.Errorf("segment %s: cmdsize %d, expected %d", s.nameInternal(), s.segment.Len, expectLen)
	}

	if s.segment.Nsect > 0 {
		sectAddr := loadCommandAddress + segSize
		buf, err = r.ReadMemory(sectAddr, uint64(s.segment.Nsect)*sectSize)
		if err != nil {
			log.Errorf("segment %s at %#x, %s: could not read %d section(s): %v",
				s.nameInternal(), loadCommandAddress, loadCommandInfo, s.segment.Nsect, err)
			return fmt.Errorf("read sections of segment %s: %w", s.nameInternal(), err)
		}
	}

	sections := make([]*Section, 0, s.segment.Nsect)
	sectionIndex := make(map[string]int, s.segment.Nsect)
	br := bytes.NewReader(buf)
	for i := uint32(0); i < s.segment.Nsect; i++ {
		sect := new(Section)
		if r.Is64Bit() {
			err = binary.Read(br, binary.LittleEndian, &sect.Section64)
		} else {
			var sect32 types.Section32
			if err = binary.Read(br, binary.LittleEndian, &sect32); err == nil {
				sect.Section64 = widenSection(sect32)
			}
		}
		if err != nil {
			return fmt.Errorf("decode section %d of segment %s: %w", i, s.nameInternal(), err)
		}

		// Sections must declare membership in the segment being read.
		if sect.SegmentName() != s.nameInternal() {
			log.Errorf("segment %s at %#x, %s: section %d %s claims segment %s",
				s.nameInternal(), loadCommandAddress, loadCommandInfo, i,
				SegmentAndSectionNameString(s.segment.Name, sect.Section64.Name), sect.SegmentName())
			return fmt.Errorf("section %d of segment %s claims segment %s",
				i, s.nameInternal(), sect.SegmentName())
		}

		// Names are not required to be unique; the index keeps the first
		// occurrence so name lookup matches encounter order.
		if _, ok := sectionIndex[sect.Name()]; !ok {
			sectionIndex[sect.Name()] = int(i)
		}
		sections = append(sections, sect)
	}
	s.sections = sections
	s.sectionIndex = sectionIndex

	s.initialized.SetValid()
	return nil
}

// nameInternal is Name without the initialization check, for use during
// Initialize once the segment command has been read.
func (s *SegmentReader) nameInternal() string {
	return SegmentNameString(s.segment.Name)
}

// Name returns the segment's name from the load command's segname field.
// Common names are "__TEXT", "__DATA", and "__LINKEDIT".
func (s *SegmentReader) Name() string {
	s.initialized.CheckValid()
	return s.nameInternal()
}

// VMAddr returns the segment's preferred load address as stored in the
// image, unadjusted for any slide applied at load time.
func (s *SegmentReader) VMAddr() uint64 {
	s.initialized.CheckValid()
	return s.segment.Addr
}

// VMSize returns the segment's size as mapped into memory.
func (s *SegmentReader) VMSize() uint64 {
	s.initialized.CheckValid()
	return s.segment.Memsz
}

// FileOff returns the offset of the segment's bytes in the file it was
// mapped from, 0 for segments such as __PAGEZERO that are not backed by
// file contents.
func (s *SegmentReader) FileOff() uint64 {
	s.initialized.CheckValid()
	return s.segment.Offset
}

// Nsects returns the number of sections in the segment. 0 is normal for
// __PAGEZERO and __LINKEDIT.
//
// The file format carries this as a uint32, but the symbol table format
// caps sections at 255 across the entire image. That cap spans segments,
// so it is enforced by ImageReader, not here.
func (s *SegmentReader) Nsects() uint32 {
	s.initialized.CheckValid()
	return s.segment.Nsect
}

// Flags returns the segment's flags.
func (s *SegmentReader) Flags() types.SegFlag {
	s.initialized.CheckValid()
	return s.segment.Flag
}

// GetSectionByName returns the section named sectionName, without the
// segment prefix ("__text", not "__TEXT,__text"), or nil if the segment has
// no such section. Absence is an ordinary data condition. When duplicate
// names exist the first section in encounter order wins.
func (s *SegmentReader) GetSectionByName(sectionName string) *Section {
	s.initialized.CheckValid()
	i, ok := s.sectionIndex[sectionName]
	if !ok {
		return nil
	}
	return s.sections[i]
}

// GetSectionAtIndex returns the section at 0-based position index, in the
// order the sections appear in the load command. index must be below
// Nsects; an out-of-range index is a caller bug and panics rather than
// returning nil, because the caller controls the loop bound.
func (s *SegmentReader) GetSectionAtIndex(index uint32) *Section {
	s.initialized.CheckValid()
	if index >= s.segment.Nsect {
		panic(fmt.Sprintf("macho: section index %d out of range [0,%d) in segment %s",
			index, s.segment.Nsect, s.nameInternal()))
	}
	return s.sections[index]
}

// SegmentSlides reports whether the segment moves with the image's slide.
// Most segments do; __PAGEZERO grows instead. Non-sliding segments are
// identified the same way xnu's load_segment() does: named __PAGEZERO with
// both initial and maximum protection VM_PROT_NONE.
func (s *SegmentReader) SegmentSlides() bool {
	s.initialized.CheckValid()
	return !(s.nameInternal() == pageZeroSegment &&
		s.segment.Prot == 0 &&
		s.segment.Maxprot == 0)
}

func widenSegment(seg types.Segment32) types.Segment64 {
	return types.Segment64{
		LoadCmd: seg.LoadCmd,
		Len:     seg.Len,
		Name:    seg.Name,
		Addr:    uint64(seg.Addr),
		Memsz:   uint64(seg.Memsz),
		Offset:  uint64(seg.Offset),
		Filesz:  uint64(seg.Filesz),
		Maxprot: seg.Maxprot,
		Prot:    seg.Prot,
		Nsect:   seg.Nsect,
		Flag:    seg.Flag,
	}
}

func widenSection(sect types.Section32) types.Section64 {
	return types.Section64{
		Name:     sect.Name,
		Seg:      sect.Seg,
		Addr:     uint64(sect.Addr),
		Size:     uint64(sect.Size),
		Offset:   sect.Offset,
		Align:    sect.Align,
		Reloff:   sect.Reloff,
		Nreloc:   sect.Nreloc,
		Flags:    sect.Flags,
		Reserve1: sect.Reserve1,
		Reserve2: sect.Reserve2,
	}
}
