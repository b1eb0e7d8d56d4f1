package macho

import (
	"testing"

	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/go-machsnap/pkg/proc"
)

const imageBase = 0x104f30000

var testUUID = types.UUID{
	0x5f, 0x9f, 0x3c, 0x1d, 0xaa, 0xbb, 0xcc, 0xdd,
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
}

// buildImage64 assembles a plausible 64-bit executable: mach_header_64,
// LC_UUID, __PAGEZERO, __TEXT with two sections, and __LINKEDIT.
func buildImage64() []byte {
	var cmds imageBuilder
	cmds.write(types.UUIDCmd{
		LoadCmd: types.LC_UUID,
		Len:     24,
		UUID:    testUUID,
	})
	cmds.write(types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     uint32(segmentCommandSize64),
		Name:    name16("__PAGEZERO"),
		Memsz:   0x100000000,
	})
	cmds.write(textSegment64(2))
	cmds.write(textSection64("__text", 0x100001000))
	cmds.write(textSection64("__const", 0x100002000))
	cmds.write(types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     uint32(segmentCommandSize64),
		Name:    name16("__LINKEDIT"),
		Addr:    0x100008000,
		Memsz:   0x4000,
		Offset:  0x8000,
		Filesz:  0x3421,
		Maxprot: 1,
		Prot:    1,
	})
	// A command this reader has no interest in: LC_SYMTAB.
	cmds.write(types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     24,
		Symoff:  0x8000,
		Nsyms:   12,
		Stroff:  0x8800,
		Strsize: 0x100,
	})

	var b imageBuilder
	b.write(types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUArm64,
		SubCPU:       types.CPUSubtypeArm64All,
		Type:         types.MH_EXECUTE,
		NCommands:    5,
		SizeCommands: uint32(cmds.buf.Len()),
		Flags:        types.NoUndefs | types.DyldLink | types.TwoLevel | types.PIE,
	})
	b.write(cmds.bytes())
	return b.bytes()
}

func TestImageReaderInitialize(t *testing.T) {
	r := proc.NewBuffer(types.CPUArm64, imageBase, buildImage64())

	var img ImageReader
	if err := img.Initialize(r, imageBase, "/usr/bin/true"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := img.Address(); got != imageBase {
		t.Errorf("Address() = %#x", got)
	}
	if got := img.Header().Type; got != types.MH_EXECUTE {
		t.Errorf("Header().Type = %v", got)
	}
	uuid, ok := img.UUID()
	if !ok {
		t.Fatal("UUID() reported absent")
	}
	if uuid != testUUID {
		t.Errorf("UUID() = %v, want %v", uuid, testUUID)
	}

	segs := img.Segments()
	if len(segs) != 3 {
		t.Fatalf("Segments() returned %d segment(s)", len(segs))
	}
	wantNames := []string{"__PAGEZERO", "__TEXT", "__LINKEDIT"}
	for i, want := range wantNames {
		if got := segs[i].Name(); got != want {
			t.Errorf("Segments()[%d].Name() = %q, want %q", i, got, want)
		}
	}

	if segs[0].SegmentSlides() {
		t.Error("__PAGEZERO slides")
	}
	if !segs[1].SegmentSlides() {
		t.Error("__TEXT does not slide")
	}

	text := img.GetSegmentByName("__TEXT")
	if text == nil {
		t.Fatal("GetSegmentByName(__TEXT) = nil")
	}
	if got := text.Nsects(); got != 2 {
		t.Errorf("__TEXT Nsects() = %d", got)
	}
	if sect := img.GetSectionByName("__TEXT", "__const"); sect == nil {
		t.Error("GetSectionByName(__TEXT, __const) = nil")
	} else if sect.Addr != 0x100002000 {
		t.Errorf("__const Addr = %#x", sect.Addr)
	}
	if got := img.GetSectionByName("__DATA", "__data"); got != nil {
		t.Errorf("GetSectionByName(missing segment) = %+v, want nil", got)
	}
	if got := img.GetSegmentByName("__DATA"); got != nil {
		t.Errorf("GetSegmentByName(__DATA) = %+v, want nil", got)
	}
}

// buildImage32 assembles a 32-bit executable: a 28-byte mach_header (no
// reserved word) followed by one LC_SEGMENT with a single section.
func buildImage32() []byte {
	var cmds imageBuilder
	cmds.write(types.Segment32{
		LoadCmd: types.LC_SEGMENT,
		Len:     uint32(segmentCommandSize32 + sectionSize32),
		Name:    name16("__DATA"),
		Addr:    0x4000,
		Memsz:   0x1000,
		Offset:  0x2000,
		Filesz:  0x1000,
		Maxprot: 7,
		Prot:    3,
		Nsect:   1,
	})
	cmds.write(types.Section32{
		Name:   name16("__data"),
		Seg:    name16("__DATA"),
		Addr:   0x4000,
		Size:   0x10,
		Offset: 0x2000,
	})

	var b imageBuilder
	b.write(machHeaderHead{
		Magic:        types.Magic32,
		CPU:          types.CPUI386,
		SubCPU:       3,
		Type:         types.MH_EXECUTE,
		NCommands:    1,
		SizeCommands: uint32(cmds.buf.Len()),
	})
	b.write(cmds.bytes())
	return b.bytes()
}

func TestImageReaderInitialize32(t *testing.T) {
	const base = 0x1000
	r := proc.NewBuffer(types.CPUI386, base, buildImage32())

	var img ImageReader
	if err := img.Initialize(r, base, "/bin/true32"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if got := img.Header().Magic; got != types.Magic32 {
		t.Errorf("Header().Magic = %#x", uint32(got))
	}
	seg := img.GetSegmentByName("__DATA")
	if seg == nil {
		t.Fatal("GetSegmentByName(__DATA) = nil")
	}
	if got := seg.VMAddr(); got != 0x4000 {
		t.Errorf("VMAddr() = %#x", got)
	}
	sect := img.GetSectionByName("__DATA", "__data")
	if sect == nil {
		t.Fatal("GetSectionByName(__DATA, __data) = nil")
	}
	if sect.Addr != 0x4000 || sect.Size != 0x10 {
		t.Errorf("widened section wrong: %+v", sect.Section64)
	}

	// A 64-bit image in a 32-bit task fails the magic check.
	r = proc.NewBuffer(types.CPUI386, base, buildImage64())
	var mismatched ImageReader
	if err := mismatched.Initialize(r, base, "wrong width"); err == nil {
		t.Fatal("Initialize() accepted a 64-bit image in a 32-bit task")
	}
}

func TestImageReaderBadUUIDSize(t *testing.T) {
	// An LC_UUID command whose cmdsize cannot hold the command must be
	// rejected rather than decoded from the following command's bytes.
	var cmds imageBuilder
	cmds.write(uint32(types.LC_UUID))
	cmds.write(uint32(loadCommandHeaderSize))
	cmds.write(textSegment64(0))

	var b imageBuilder
	b.write(types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUArm64,
		SubCPU:       types.CPUSubtypeArm64All,
		Type:         types.MH_EXECUTE,
		NCommands:    2,
		SizeCommands: uint32(cmds.buf.Len()),
	})
	b.write(cmds.bytes())

	r := proc.NewBuffer(types.CPUArm64, imageBase, b.bytes())
	var img ImageReader
	if err := img.Initialize(r, imageBase, "undersized uuid"); err == nil {
		t.Fatal("Initialize() accepted LC_UUID with cmdsize 8")
	}
}

func TestImageReaderValidation(t *testing.T) {
	whole := buildImage64()

	badMagic := make([]byte, len(whole))
	copy(badMagic, whole)
	badMagic[0] = 0xce // Magic32 in a 64-bit task

	badType := make([]byte, len(whole))
	copy(badType, whole)
	badType[12] = byte(types.MH_CORE)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "unmapped header", data: nil},
		{name: "wrong magic", data: badMagic},
		{name: "unexpected file type", data: badType},
		{name: "truncated load commands", data: whole[:types.FileHeaderSize64+30]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := proc.NewBuffer(types.CPUArm64, imageBase, tt.data)
			var img ImageReader
			if err := img.Initialize(r, imageBase, tt.name); err == nil {
				t.Fatal("Initialize() succeeded, want error")
			}
			mustPanic(t, "Segments after failed Initialize", func() { img.Segments() })
		})
	}
}

func TestImageReaderCommandBounds(t *testing.T) {
	// A load command whose cmdsize runs past sizeofcmds must fail even
	// though the bytes behind it are mapped.
	var cmds imageBuilder
	cmds.write(textSegment64(2))
	cmds.write(textSection64("__text", 0x100001000))
	cmds.write(textSection64("__const", 0x100002000))

	var b imageBuilder
	b.write(types.FileHeader{
		Magic:        types.Magic64,
		CPU:          types.CPUArm64,
		SubCPU:       types.CPUSubtypeArm64All,
		Type:         types.MH_EXECUTE,
		NCommands:    1,
		SizeCommands: uint32(segmentCommandSize64), // excludes the sections
	})
	b.write(cmds.bytes())

	r := proc.NewBuffer(types.CPUArm64, imageBase, b.bytes())
	var img ImageReader
	if err := img.Initialize(r, imageBase, "oversized command"); err == nil {
		t.Fatal("Initialize() succeeded with cmdsize beyond sizeofcmds")
	}
}

func TestImageReaderSectionCap(t *testing.T) {
	// Sections are capped at 255 per image, across segments: 200 in one
	// segment plus 56 in another must be rejected, 200 + 55 accepted.
	buildCapImage := func(first, second uint32) []byte {
		var cmds imageBuilder
		writeSeg := func(segName string, nsect uint32) {
			seg := textSegment64(nsect)
			seg.Name = name16(segName)
			cmds.write(seg)
			for i := uint32(0); i < nsect; i++ {
				sect := textSection64("__sect", 0x100001000+uint64(i)*0x100)
				sect.Seg = name16(segName)
				cmds.write(sect)
			}
		}
		writeSeg("__TEXT", first)
		writeSeg("__DATA", second)

		var b imageBuilder
		b.write(types.FileHeader{
			Magic:        types.Magic64,
			CPU:          types.CPUArm64,
			SubCPU:       types.CPUSubtypeArm64All,
			Type:         types.MH_DYLIB,
			NCommands:    2,
			SizeCommands: uint32(cmds.buf.Len()),
		})
		b.write(cmds.bytes())
		return b.bytes()
	}

	r := proc.NewBuffer(types.CPUArm64, imageBase, buildCapImage(200, 55))
	var ok ImageReader
	if err := ok.Initialize(r, imageBase, "at cap"); err != nil {
		t.Fatalf("Initialize() error = %v at the 255-section cap", err)
	}

	r = proc.NewBuffer(types.CPUArm64, imageBase, buildCapImage(200, 56))
	var over ImageReader
	if err := over.Initialize(r, imageBase, "over cap"); err == nil {
		t.Fatal("Initialize() succeeded with 256 sections")
	}
}

func TestImageReaderDoubleInitialize(t *testing.T) {
	r := proc.NewBuffer(types.CPUArm64, imageBase, buildImage64())
	var img ImageReader
	if err := img.Initialize(r, imageBase, ""); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	mustPanic(t, "second Initialize", func() { img.Initialize(r, imageBase, "") })
}
