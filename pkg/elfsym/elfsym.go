// Package elfsym is a symbol-map backend for ELF images. It resolves
// addresses against the symbol tables only; it exists so non-Windows modules
// plug into the same abstraction, without the companion-file indirection PE
// binaries need.
package elfsym

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/grafana/symres/pkg/symmap"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// IsELF reports whether data starts with the ELF magic.
func IsELF(data []byte) bool {
	return len(data) >= len(elfMagic) && bytes.Equal(data[:len(elfMagic)], elfMagic)
}

type entry struct {
	addr uint32
	size uint32
	name string
}

// Image is a parsed ELF module. It implements symmap.Backend; lookups never
// carry line information. Immutable after Open.
type Image struct {
	debugID symmap.DebugID
	base    uint64 // lowest PT_LOAD virtual address
	loads   []loadSegment
	syms    []entry // sorted by addr
}

type loadSegment struct {
	off    uint64
	filesz uint64
	vaddr  uint64
}

// Open parses an ELF image held in memory. Identity comes from the GNU
// build ID note when present, else it is derived from the file content.
func Open(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "ELF", Err: err}
	}
	defer f.Close()

	img := &Image{base: ^uint64(0)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Vaddr < img.base {
			img.base = p.Vaddr
		}
		img.loads = append(img.loads, loadSegment{off: p.Off, filesz: p.Filesz, vaddr: p.Vaddr})
	}
	if img.base == ^uint64(0) {
		img.base = 0
	}

	if id := buildID(f); len(id) > 0 {
		img.debugID = symmap.DebugIDFromBuildID(id)
	} else {
		img.debugID = symmap.DebugIDFromContent(data)
	}

	img.syms = functionSymbols(f, img.base)
	return img, nil
}

func (img *Image) DebugID() symmap.DebugID { return img.debugID }

func (img *Image) SymbolCount() int { return len(img.syms) }

func (img *Image) Symbols() []symmap.SymbolPair {
	out := make([]symmap.SymbolPair, len(img.syms))
	for i, s := range img.syms {
		out[i] = symmap.SymbolPair{Address: s.addr, Name: s.name}
	}
	return out
}

func (img *Image) Lookup(addr symmap.LookupAddress) *symmap.AddressInfo {
	rva, ok := img.relative(addr)
	if !ok {
		return nil
	}
	i := sort.Search(len(img.syms), func(i int) bool { return img.syms[i].addr > rva })
	if i == 0 {
		return nil
	}
	s := img.syms[i-1]
	if s.size != 0 && rva >= s.addr+s.size {
		return nil
	}
	info := &symmap.AddressInfo{Symbol: symmap.SymbolInfo{Address: s.addr, Name: s.name}}
	if s.size != 0 {
		size := s.size
		info.Symbol.Size = &size
	}
	return info
}

func (img *Image) relative(addr symmap.LookupAddress) (uint32, bool) {
	switch addr.Kind {
	case symmap.AddressRelative:
		return addr.Rel, true
	case symmap.AddressVirtual:
		if addr.Addr < img.base {
			return 0, false
		}
		return uint32(addr.Addr - img.base), true
	case symmap.AddressFileOffset:
		for _, l := range img.loads {
			if addr.Addr >= l.off && addr.Addr < l.off+l.filesz {
				return uint32(l.vaddr + (addr.Addr - l.off) - img.base), true
			}
		}
		return 0, false
	}
	return 0, false
}

func functionSymbols(f *elf.File, base uint64) []entry {
	var out []entry
	seen := map[uint32]struct{}{}
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" || s.Value < base {
				continue
			}
			addr := uint32(s.Value - base)
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, entry{addr: addr, size: uint32(s.Size), name: s.Name})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// buildID extracts the GNU build ID from the .note.gnu.build-id section.
func buildID(f *elf.File) []byte {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return parseBuildIDNote(data)
}

// parseBuildIDNote walks ELF note records looking for NT_GNU_BUILD_ID from
// the "GNU" owner. Note fields are 4-byte aligned.
func parseBuildIDNote(data []byte) []byte {
	const ntGNUBuildID = 3
	align := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:])
		descsz := binary.LittleEndian.Uint32(data[4:])
		typ := binary.LittleEndian.Uint32(data[8:])
		nameEnd := 12 + align(namesz)
		descEnd := uint64(nameEnd) + uint64(align(descsz))
		if descEnd > uint64(len(data)) {
			return nil
		}
		if typ == ntGNUBuildID && namesz == 4 && string(data[12:15]) == "GNU" {
			return data[nameEnd : uint64(nameEnd)+uint64(descsz)]
		}
		data = data[descEnd:]
	}
	return nil
}
