package pdb

import (
	"encoding/binary"
	"fmt"
)

// C13 debug subsection kinds.
const (
	debugSubsectionLines         = 0xF2
	debugSubsectionFileChecksums = 0xF4
	debugSubsectionInlineeLines  = 0xF6

	namesMagic  = 0xEFFEEFFE
	cvSignature = 4 // CV_SIGNATURE_C13 at the start of a module symbol stream
)

// namesTable is the /names stream: a header followed by a NUL-separated
// string buffer addressed by byte offset.
type namesTable struct {
	strings []byte
}

func parseNamesTable(data []byte) (*namesTable, error) {
	c := newCursor(data)
	magic, ok := c.uint32()
	if !ok || magic != namesMagic {
		return nil, fmt.Errorf("invalid /names stream header")
	}
	if _, ok = c.uint32(); !ok { // version
		return nil, fmt.Errorf("/names stream truncated")
	}
	size, ok := c.uint32()
	if !ok {
		return nil, fmt.Errorf("/names stream truncated")
	}
	strs, ok := c.bytes(int(size))
	if !ok {
		return nil, fmt.Errorf("/names string buffer truncated")
	}
	return &namesTable{strings: strs}, nil
}

func (t *namesTable) lookup(off uint32) (string, bool) {
	if t == nil || off >= uint32(len(t.strings)) {
		return "", false
	}
	return cstringAt(t.strings, off), true
}

// checksumTable is a module's file checksum subsection. Line records refer
// to files by byte offset into this table; each entry starts with the file
// name's offset in /names.
type checksumTable struct {
	data []byte
}

func (c *checksumTable) fileName(fileID uint32, names *namesTable) (string, bool) {
	if c == nil || uint64(fileID)+4 > uint64(len(c.data)) {
		return "", false
	}
	return names.lookup(binary.LittleEndian.Uint32(c.data[fileID:]))
}

// lineEntry attributes one code range start to a source line.
type lineEntry struct {
	rva    uint32
	fileID uint32
	line   uint32
}

// inlineeLine is the declaring file and starting line of an inlined
// function, keyed by its function ID in the inlinee lines subsection.
type inlineeLine struct {
	fileID uint32
	line   uint32
}

// moduleLines is everything extracted from one module's C13 line data.
type moduleLines struct {
	entries   []lineEntry
	checksums *checksumTable
	inlinees  map[uint32]inlineeLine
}

// parseC13Lines walks the module's debug subsections. Subsections of
// unknown kinds are skipped by length.
func parseC13Lines(data []byte, sections *sectionTable) (*moduleLines, error) {
	out := &moduleLines{inlinees: map[uint32]inlineeLine{}}
	c := newCursor(data)
	for c.remaining() >= 8 {
		kind, _ := c.uint32()
		length, _ := c.uint32()
		body, ok := c.bytes(int(length))
		if !ok {
			return nil, fmt.Errorf("C13 subsection of kind %#x overruns module data", kind)
		}
		c.align4()

		switch kind {
		case debugSubsectionLines:
			if err := parseLinesSubsection(body, sections, out); err != nil {
				return nil, err
			}
		case debugSubsectionFileChecksums:
			out.checksums = &checksumTable{data: body}
		case debugSubsectionInlineeLines:
			parseInlineeLines(body, out.inlinees)
		}
	}
	return out, nil
}

// parseLinesSubsection decodes one lines subsection: a contribution header
// naming the covered code range, then per-file blocks of line records.
func parseLinesSubsection(data []byte, sections *sectionTable, out *moduleLines) error {
	c := newCursor(data)
	offCon, ok1 := c.uint32()
	segCon, ok2 := c.uint16()
	flags, ok3 := c.uint16()
	_, ok4 := c.uint32() // contribution size
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("lines subsection header truncated")
	}
	base, ok := sections.rva(segCon, offCon)
	if !ok {
		return nil
	}
	const hasColumns = 0x1
	for c.remaining() >= 12 {
		fileID, _ := c.uint32()
		numLines, _ := c.uint32()
		blockSize, _ := c.uint32()
		_ = blockSize
		for i := uint32(0); i < numLines; i++ {
			off, ok1 := c.uint32()
			packed, ok2 := c.uint32()
			if !ok1 || !ok2 {
				return fmt.Errorf("line record truncated")
			}
			out.entries = append(out.entries, lineEntry{
				rva:    base + off,
				fileID: fileID,
				line:   packed & 0xFFFFFF,
			})
		}
		if flags&hasColumns != 0 {
			// Column records trail the line records, 4 bytes each.
			if !c.skip(int(numLines) * 4) {
				return fmt.Errorf("column records truncated")
			}
		}
	}
	return nil
}

func parseInlineeLines(data []byte, out map[uint32]inlineeLine) {
	c := newCursor(data)
	signature, ok := c.uint32()
	if !ok {
		return
	}
	// Signature 1 means each record carries a trailing extra-file list.
	extraFiles := signature == 1
	for c.remaining() >= 12 {
		inlinee, _ := c.uint32()
		fileID, _ := c.uint32()
		line, _ := c.uint32()
		out[inlinee] = inlineeLine{fileID: fileID, line: line}
		if extraFiles {
			n, ok := c.uint32()
			if !ok || !c.skip(int(n)*4) {
				return
			}
		}
	}
}

// Binary annotation opcodes of inline site symbols.
const (
	annChangeCodeOffset              = 3
	annChangeCodeLength              = 4
	annChangeFile                    = 5
	annChangeLineOffset              = 6
	annChangeCodeOffsetAndLineOffset = 11
	annChangeCodeLengthAndCodeOffset = 12
)

// annotationCursor decodes the compressed unsigned integers used by inline
// site binary annotations.
type annotationCursor struct {
	data []byte
	off  int
}

func (a *annotationCursor) uint() (uint32, bool) {
	if a.off >= len(a.data) {
		return 0, false
	}
	b0 := a.data[a.off]
	switch {
	case b0 < 0x80:
		a.off++
		return uint32(b0), true
	case b0&0xC0 == 0x80:
		if a.off+2 > len(a.data) {
			return 0, false
		}
		v := uint32(b0&0x3F)<<8 | uint32(a.data[a.off+1])
		a.off += 2
		return v, true
	case b0&0xE0 == 0xC0:
		if a.off+4 > len(a.data) {
			return 0, false
		}
		v := uint32(b0&0x1F)<<24 |
			uint32(a.data[a.off+1])<<16 |
			uint32(a.data[a.off+2])<<8 |
			uint32(a.data[a.off+3])
		a.off += 4
		return v, true
	}
	return 0, false
}

func annotationSigned(v uint32) int32 {
	if v&1 != 0 {
		return -int32(v >> 1)
	}
	return int32(v >> 1)
}

// decodeInlineRange reduces an inline site's annotation stream to a single
// covering code range relative to the enclosing function start, plus the
// line offset in effect when the range opens. Multi-range sites are
// collapsed to their overall extent.
func decodeInlineRange(annotations []byte) (start, end uint32, lineDelta int32, ok bool) {
	a := &annotationCursor{data: annotations}
	var codeOffset uint32
	var line int32
	haveStart := false
	for {
		op, more := a.uint()
		if !more || op == 0 {
			break
		}
		switch op {
		case annChangeCodeOffset:
			v, more := a.uint()
			if !more {
				break
			}
			codeOffset += v
			if !haveStart {
				start, lineDelta, haveStart = codeOffset, line, true
			}
		case annChangeCodeLength:
			v, more := a.uint()
			if !more {
				break
			}
			if e := codeOffset + v; e > end {
				end = e
			}
			codeOffset += v
		case annChangeLineOffset:
			v, more := a.uint()
			if !more {
				break
			}
			line += annotationSigned(v)
		case annChangeCodeOffsetAndLineOffset:
			v, more := a.uint()
			if !more {
				break
			}
			line += annotationSigned(v >> 4)
			codeOffset += v & 0xF
			if !haveStart {
				start, lineDelta, haveStart = codeOffset, line, true
			}
		case annChangeCodeLengthAndCodeOffset:
			length, more1 := a.uint()
			delta, more2 := a.uint()
			if !more1 || !more2 {
				break
			}
			codeOffset += delta
			if !haveStart {
				start, lineDelta, haveStart = codeOffset, line, true
			}
			if e := codeOffset + length; e > end {
				end = e
			}
			codeOffset += length
		default:
			// Remaining opcodes carry one operand each.
			if _, more := a.uint(); !more {
				break
			}
		}
	}
	if !haveStart || end <= start {
		return 0, 0, 0, false
	}
	return start, end, lineDelta, true
}
