// Package pe is the symbol-map backend for Windows PE images. Names come
// from the export and COFF symbol tables, function boundaries from the
// exception-directory unwind records, and the companion PDB reference from
// the CodeView entry of the debug directory.
package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf8"

	pefile "github.com/Binject/debug/pe"

	"github.com/grafana/symres/pkg/symmap"
)

const (
	imageDirectoryEntryException = 3
	imageDirectoryEntryDebug     = 6

	imageDebugTypeCodeView  = 2
	debugDirectoryEntrySize = 28
	rsdsMagic               = 0x53445352 // "RSDS" little-endian

	coffSymClassExternal = 2
	coffSymDTypeFunction = 0x20
)

type symEntry struct {
	addr uint32
	end  uint32 // 0 when unbounded
	name string
}

// Binary is a parsed PE image. It implements symmap.Backend; lookups resolve
// to export or COFF symbol names with boundaries refined by unwind data, and
// never carry line information. The value is immutable after Open and safe
// for concurrent queries.
type Binary struct {
	data      []byte
	file      *pefile.File
	imageBase uint64
	sizeOfImg uint32

	debugID  symmap.DebugID
	debugRef symmap.DebugFileReference

	syms       []symEntry // sorted by addr, unique
	boundaries []FunctionBoundary
}

// Open parses a PE image held in memory. location names the image in
// errors only. The image must carry a CodeView debug directory entry; that
// entry is both the binary's identity and its pointer to the companion PDB,
// so its absence means the image cannot participate in symbolication.
func Open(data []byte, location string) (*Binary, error) {
	f, err := pefile.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PE", Err: err}
	}

	b := &Binary{data: data, file: f}
	switch oh := f.OptionalHeader.(type) {
	case *pefile.OptionalHeader32:
		b.imageBase = uint64(oh.ImageBase)
		b.sizeOfImg = oh.SizeOfImage
	case *pefile.OptionalHeader64:
		b.imageBase = oh.ImageBase
		b.sizeOfImg = oh.SizeOfImage
	default:
		return nil, &symmap.MalformedContainerError{Format: "PE", Err: fmt.Errorf("missing optional header")}
	}

	if err := b.readCodeView(location); err != nil {
		return nil, err
	}
	if err := b.readBoundaries(); err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PE", Err: err}
	}
	b.buildSymbols()
	return b, nil
}

// DebugFileReference returns the companion PDB path and identity recorded in
// the image.
func (b *Binary) DebugFileReference() symmap.DebugFileReference { return b.debugRef }

// FunctionBoundaries returns the merged function ranges decoded from the
// exception directory, empty when the image has no unwind metadata.
func (b *Binary) FunctionBoundaries() []FunctionBoundary { return b.boundaries }

func (b *Binary) DebugID() symmap.DebugID { return b.debugID }

func (b *Binary) SymbolCount() int { return len(b.syms) }

func (b *Binary) Symbols() []symmap.SymbolPair {
	out := make([]symmap.SymbolPair, len(b.syms))
	for i, s := range b.syms {
		out[i] = symmap.SymbolPair{Address: s.addr, Name: s.name}
	}
	return out
}

func (b *Binary) Lookup(addr symmap.LookupAddress) *symmap.AddressInfo {
	rva, ok := b.relative(addr)
	if !ok || len(b.syms) == 0 {
		return nil
	}
	i := sort.Search(len(b.syms), func(i int) bool { return b.syms[i].addr > rva })
	if i == 0 {
		return nil
	}
	s := b.syms[i-1]
	if s.end != 0 && rva >= s.end {
		return nil
	}
	info := &symmap.AddressInfo{Symbol: symmap.SymbolInfo{Address: s.addr, Name: s.name}}
	if s.end != 0 {
		size := s.end - s.addr
		info.Symbol.Size = &size
	}
	return info
}

// relative reduces any supported address kind to an RVA.
func (b *Binary) relative(addr symmap.LookupAddress) (uint32, bool) {
	switch addr.Kind {
	case symmap.AddressRelative:
		return addr.Rel, true
	case symmap.AddressVirtual:
		if addr.Addr < b.imageBase || addr.Addr-b.imageBase >= uint64(b.sizeOfImg) {
			return 0, false
		}
		return uint32(addr.Addr - b.imageBase), true
	case symmap.AddressFileOffset:
		for _, s := range b.file.Sections {
			if addr.Addr >= uint64(s.Offset) && addr.Addr < uint64(s.Offset)+uint64(s.Size) {
				return uint32(addr.Addr-uint64(s.Offset)) + s.VirtualAddress, true
			}
		}
		return 0, false
	}
	return 0, false
}

// dataAt maps an RVA range to the image bytes backing it. Ranges past a
// section's raw data are zero-fill on load and cannot be dereferenced here.
func (b *Binary) dataAt(rva uint32, size uint32) []byte {
	for _, s := range b.file.Sections {
		if rva < s.VirtualAddress || rva-s.VirtualAddress+size > s.Size {
			continue
		}
		off := uint64(s.Offset) + uint64(rva-s.VirtualAddress)
		if off+uint64(size) > uint64(len(b.data)) {
			return nil
		}
		return b.data[off : off+uint64(size)]
	}
	return nil
}

func (b *Binary) dataDirectory(index int) (pefile.DataDirectory, bool) {
	var dirs []pefile.DataDirectory
	var count uint32
	switch oh := b.file.OptionalHeader.(type) {
	case *pefile.OptionalHeader32:
		dirs, count = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	case *pefile.OptionalHeader64:
		dirs, count = oh.DataDirectory[:], oh.NumberOfRvaAndSizes
	}
	if index >= int(count) || index >= len(dirs) || dirs[index].VirtualAddress == 0 {
		return pefile.DataDirectory{}, false
	}
	return dirs[index], true
}

// readCodeView locates the CodeView (RSDS) entry of the debug directory and
// extracts the binary's identity and companion PDB path.
func (b *Binary) readCodeView(location string) error {
	dir, ok := b.dataDirectory(imageDirectoryEntryDebug)
	if !ok {
		return &symmap.NoDebugReferenceError{Location: location}
	}
	table := b.dataAt(dir.VirtualAddress, dir.Size)
	if table == nil {
		return &symmap.MalformedContainerError{Format: "PE", Err: fmt.Errorf("debug directory outside mapped sections")}
	}
	for off := 0; off+debugDirectoryEntrySize <= len(table); off += debugDirectoryEntrySize {
		if binary.LittleEndian.Uint32(table[off+12:]) != imageDebugTypeCodeView {
			continue
		}
		size := binary.LittleEndian.Uint32(table[off+16:])
		fileOff := binary.LittleEndian.Uint32(table[off+24:])
		if uint64(fileOff)+uint64(size) > uint64(len(b.data)) || size < 24 {
			return &symmap.MalformedContainerError{Format: "PE", Err: fmt.Errorf("CodeView record out of bounds")}
		}
		return b.parseRSDS(b.data[fileOff:fileOff+size], location)
	}
	return &symmap.NoDebugReferenceError{Location: location}
}

func (b *Binary) parseRSDS(rec []byte, location string) error {
	if binary.LittleEndian.Uint32(rec) != rsdsMagic {
		return &symmap.MalformedContainerError{Format: "PE", Err: fmt.Errorf("CodeView record is not RSDS")}
	}
	var guid [16]byte
	copy(guid[:], rec[4:20])
	age := binary.LittleEndian.Uint32(rec[20:24])
	b.debugID = symmap.DebugIDFromGUID(guid, age)

	path := rec[24:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	if !utf8.Valid(path) {
		return &symmap.PathEncodingError{Location: location}
	}
	b.debugRef = symmap.DebugFileReference{Path: string(path), ID: b.debugID}
	return nil
}

// readBoundaries decodes the exception directory, if present. These bounds
// are authoritative: they override whatever the symbol tables imply.
func (b *Binary) readBoundaries() error {
	table := b.exceptionTable()
	if table == nil {
		return nil
	}
	bounds, err := functionBoundaries(table, b)
	if err != nil {
		return err
	}
	b.boundaries = bounds
	return nil
}

func (b *Binary) exceptionTable() []byte {
	if dir, ok := b.dataDirectory(imageDirectoryEntryException); ok {
		return b.dataAt(dir.VirtualAddress, dir.Size)
	}
	if s := b.file.Section(".pdata"); s != nil {
		size := s.VirtualSize
		if size == 0 || size > s.Size {
			size = s.Size
		}
		return b.dataAt(s.VirtualAddress, size)
	}
	return nil
}

// buildSymbols merges export names, COFF function symbols and unwind
// boundaries into one sorted table. Boundary starts without a name are
// synthesized as fun_<hex start>.
func (b *Binary) buildSymbols() {
	named := map[uint32]string{}

	if b.file.OptionalHeader != nil {
		if exports, err := b.file.Exports(); err == nil {
			for _, e := range exports {
				if e.Name != "" && e.VirtualAddress != 0 {
					named[e.VirtualAddress] = e.Name
				}
			}
		}
	}
	for _, s := range b.file.Symbols {
		if s.StorageClass != coffSymClassExternal || s.Type&0xF0 != coffSymDTypeFunction {
			continue
		}
		sec := int(s.SectionNumber)
		if sec < 1 || sec > len(b.file.Sections) {
			continue
		}
		rva := s.Value + b.file.Sections[sec-1].VirtualAddress
		if _, taken := named[rva]; !taken {
			named[rva] = s.Name
		}
	}

	ends := map[uint32]uint32{}
	for _, fb := range b.boundaries {
		ends[fb.Start] = fb.End
		if _, ok := named[fb.Start]; !ok {
			named[fb.Start] = fmt.Sprintf("fun_%x", fb.Start)
		}
	}

	b.syms = make([]symEntry, 0, len(named))
	for addr, name := range named {
		b.syms = append(b.syms, symEntry{addr: addr, end: ends[addr], name: name})
	}
	sort.Slice(b.syms, func(i, j int) bool { return b.syms[i].addr < b.syms[j].addr })
}
