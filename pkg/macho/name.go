package macho

import "bytes"

// Segment and section names are fixed 16-byte fields that are not
// necessarily NUL-terminated. The decoders below take up to the first NUL,
// or all 16 bytes if there is none, and are used everywhere a name is
// produced from raw descriptor bytes.

// SegmentNameString decodes a segment name field such as "__TEXT".
func SegmentNameString(name [16]byte) string {
	if i := bytes.IndexByte(name[:], 0); i >= 0 {
		return string(name[:i])
	}
	return string(name[:])
}

// SectionNameString decodes a section name field such as "__text".
func SectionNameString(name [16]byte) string {
	return SegmentNameString(name)
}

// SegmentAndSectionNameString formats a segment and section name pair the
// conventional way, e.g. "__TEXT,__text".
func SegmentAndSectionNameString(segment, section [16]byte) string {
	return SegmentNameString(segment) + "," + SectionNameString(section)
}
