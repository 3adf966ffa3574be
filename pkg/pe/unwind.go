package pe

import (
	"encoding/binary"
	"fmt"
)

const (
	runtimeFunctionSize = 12
	unwFlagChainInfo    = 0x4
)

// FunctionBoundary is one merged function address range derived from the
// exception directory. Consecutive raw entries that chain to the same root
// function are folded into a single boundary.
type FunctionBoundary struct {
	Start uint32
	End   uint32
}

// imageReader dereferences image bytes by relative address. It returns nil
// when the requested range is not mapped by any section.
type imageReader interface {
	dataAt(rva uint32, size uint32) []byte
}

// functionBoundaries decodes an exception table into merged function ranges.
// The table is a dense array of {begin, end, unwind info} triplets; a length
// that is not a whole number of records is rejected rather than truncated.
//
// Each record's unwind info may chain to a parent record, which happens when
// the linker folds identical function bodies. The resolved root begin address
// is used only as the merge key over consecutive records: the emitted
// boundary spans the group's own first start and last end.
func functionBoundaries(table []byte, image imageReader) ([]FunctionBoundary, error) {
	if len(table)%runtimeFunctionSize != 0 {
		return nil, fmt.Errorf("exception table length %d is not a multiple of the %d-byte record size",
			len(table), runtimeFunctionSize)
	}

	var out []FunctionBoundary
	var groupKey uint32
	for off := 0; off < len(table); off += runtimeFunctionSize {
		begin := binary.LittleEndian.Uint32(table[off:])
		end := binary.LittleEndian.Uint32(table[off+4:])
		info := binary.LittleEndian.Uint32(table[off+8:])

		key := canonicalStart(begin, info, image)
		if len(out) > 0 && key == groupKey {
			out[len(out)-1].End = end
			continue
		}
		out = append(out, FunctionBoundary{Start: begin, End: end})
		groupKey = key
	}
	return out, nil
}

// canonicalStart follows chained unwind info records to the root function's
// begin address. An undereferenceable record or a begin address already seen
// on the walk terminates the chain, so malformed input cannot loop.
func canonicalStart(begin, infoRVA uint32, image imageReader) uint32 {
	start := begin
	seen := map[uint32]struct{}{start: {}}
	for {
		hdr := image.dataAt(infoRVA, 4)
		if hdr == nil {
			return start
		}
		flags := hdr[0] >> 3
		if flags&unwFlagChainInfo == 0 {
			return start
		}
		// The chained record sits after the header and the code slot
		// array, which is padded to an even slot count.
		codes := uint32(hdr[2])
		chained := image.dataAt(infoRVA+4+2*((codes+1)&^1), runtimeFunctionSize)
		if chained == nil {
			return start
		}
		parent := binary.LittleEndian.Uint32(chained)
		if _, ok := seen[parent]; ok {
			return start
		}
		seen[parent] = struct{}{}
		start = parent
		infoRVA = binary.LittleEndian.Uint32(chained[8:])
	}
}
