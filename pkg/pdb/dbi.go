package pdb

import (
	"encoding/binary"
	"fmt"
)

const (
	dbiHeaderSize    = 64
	dbiModuleFixed   = 64
	noStream         = 0xFFFF
	sectionHeaderLen = 40

	// Slot in the optional debug header holding the copy of the binary's
	// section header table.
	dbgSlotSectionHeaders = 5
)

// dbiStream is the debug-info directory of the PDB: the per-module stream
// table plus the section header copy needed to turn segment:offset pairs
// into relative addresses.
type dbiStream struct {
	age     uint32
	machine uint16
	modules []moduleInfo

	// sectionHeadersStream is the stream holding the image section table,
	// or -1 when the optional debug header does not record one.
	sectionHeadersStream int
}

// moduleInfo is one compiled object's entry in the module info substream.
type moduleInfo struct {
	name      string
	symStream int // -1 when the module carries no symbols
	symSize   uint32
	c11Size   uint32
	c13Size   uint32
}

func parseDBIStream(data []byte) (*dbiStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, fmt.Errorf("DBI stream too small: %d bytes", len(data))
	}
	if int32(binary.LittleEndian.Uint32(data)) != -1 {
		return nil, fmt.Errorf("invalid DBI version signature")
	}

	dbi := &dbiStream{
		age:                  binary.LittleEndian.Uint32(data[8:]),
		machine:              binary.LittleEndian.Uint16(data[58:]),
		sectionHeadersStream: -1,
	}
	modInfoSize := int(int32(binary.LittleEndian.Uint32(data[24:])))
	secContribSize := int(int32(binary.LittleEndian.Uint32(data[28:])))
	secMapSize := int(int32(binary.LittleEndian.Uint32(data[32:])))
	sourceInfoSize := int(int32(binary.LittleEndian.Uint32(data[36:])))
	typeServerSize := int(int32(binary.LittleEndian.Uint32(data[40:])))
	dbgHeaderSize := int(int32(binary.LittleEndian.Uint32(data[48:])))
	ecSize := int(int32(binary.LittleEndian.Uint32(data[52:])))

	if modInfoSize > 0 {
		end := dbiHeaderSize + modInfoSize
		if end > len(data) {
			return nil, fmt.Errorf("DBI module info substream out of bounds")
		}
		mods, err := parseModuleInfo(data[dbiHeaderSize:end])
		if err != nil {
			return nil, err
		}
		dbi.modules = mods
	}

	// The optional debug header is the last substream. Its entries are
	// stream indices for various dumps of image data.
	dbgOff := dbiHeaderSize + modInfoSize + secContribSize + secMapSize +
		sourceInfoSize + typeServerSize + ecSize
	if dbgHeaderSize > 0 && dbgOff+dbgHeaderSize <= len(data) {
		dbg := data[dbgOff : dbgOff+dbgHeaderSize]
		if len(dbg) >= (dbgSlotSectionHeaders+1)*2 {
			if idx := binary.LittleEndian.Uint16(dbg[dbgSlotSectionHeaders*2:]); idx != noStream {
				dbi.sectionHeadersStream = int(idx)
			}
		}
	}
	return dbi, nil
}

func parseModuleInfo(data []byte) ([]moduleInfo, error) {
	var modules []moduleInfo
	c := newCursor(data)
	for c.remaining() >= dbiModuleFixed {
		fixed, _ := c.bytes(dbiModuleFixed)
		mod := moduleInfo{
			symStream: int(binary.LittleEndian.Uint16(fixed[34:])),
			symSize:   binary.LittleEndian.Uint32(fixed[36:]),
			c11Size:   binary.LittleEndian.Uint32(fixed[40:]),
			c13Size:   binary.LittleEndian.Uint32(fixed[44:]),
		}
		if mod.symStream == noStream {
			mod.symStream = -1
		}
		name, ok := c.cstring()
		if !ok {
			return nil, fmt.Errorf("module info: unterminated module name")
		}
		mod.name = name
		if _, ok := c.cstring(); !ok {
			return nil, fmt.Errorf("module info: unterminated object file name")
		}
		c.align4()
		modules = append(modules, mod)
	}
	return modules, nil
}

// sectionTable maps segment indices to image RVAs using the section header
// copy stored in the PDB.
type sectionTable struct {
	rvas []uint32
}

func parseSectionTable(data []byte) *sectionTable {
	n := len(data) / sectionHeaderLen
	t := &sectionTable{rvas: make([]uint32, n)}
	for i := 0; i < n; i++ {
		t.rvas[i] = binary.LittleEndian.Uint32(data[i*sectionHeaderLen+12:])
	}
	return t
}

// rva translates a one-based segment index and offset. Segment 0 and
// out-of-range segments are absolute or synthetic and carry no address.
func (t *sectionTable) rva(segment uint16, offset uint32) (uint32, bool) {
	if t == nil || segment == 0 || int(segment) > len(t.rvas) {
		return 0, false
	}
	return t.rvas[segment-1] + offset, true
}
