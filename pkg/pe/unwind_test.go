package pe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatImage serves a single contiguous byte region at a base RVA.
type flatImage struct {
	base uint32
	data []byte
}

func (f *flatImage) dataAt(rva uint32, size uint32) []byte {
	if rva < f.base || uint64(rva-f.base)+uint64(size) > uint64(len(f.data)) {
		return nil
	}
	off := rva - f.base
	return f.data[off : off+size]
}

// imageBuilder lays out unwind info blobs in a flat region.
type imageBuilder struct {
	img *flatImage
}

func newImageBuilder(base uint32) *imageBuilder {
	return &imageBuilder{img: &flatImage{base: base}}
}

// addUnwindInfo appends one unwind info record and returns its RVA. chain is
// nil for a leaf record, else the {begin, end, info} of the parent.
func (b *imageBuilder) addUnwindInfo(codes int, chain *[3]uint32) uint32 {
	rva := b.img.base + uint32(len(b.img.data))
	flags := byte(0)
	if chain != nil {
		flags = unwFlagChainInfo
	}
	rec := []byte{1 | flags<<3, 0, byte(codes), 0}
	rec = append(rec, make([]byte, 2*((codes+1)&^1))...)
	if chain != nil {
		var rf [12]byte
		binary.LittleEndian.PutUint32(rf[0:], chain[0])
		binary.LittleEndian.PutUint32(rf[4:], chain[1])
		binary.LittleEndian.PutUint32(rf[8:], chain[2])
		rec = append(rec, rf[:]...)
	}
	b.img.data = append(b.img.data, rec...)
	return rva
}

func pdataTable(entries ...[3]uint32) []byte {
	out := make([]byte, 0, len(entries)*runtimeFunctionSize)
	for _, e := range entries {
		var rec [runtimeFunctionSize]byte
		binary.LittleEndian.PutUint32(rec[0:], e[0])
		binary.LittleEndian.PutUint32(rec[4:], e[1])
		binary.LittleEndian.PutUint32(rec[8:], e[2])
		out = append(out, rec[:]...)
	}
	return out
}

func TestFunctionBoundariesUnchained(t *testing.T) {
	b := newImageBuilder(0x2000)
	info := b.addUnwindInfo(2, nil)

	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1040, info},
		[3]uint32{0x1040, 0x1090, info},
	), b.img)
	require.NoError(t, err)
	assert.Equal(t, []FunctionBoundary{
		{Start: 0x1000, End: 0x1040},
		{Start: 0x1040, End: 0x1090},
	}, bounds)
}

func TestFunctionBoundariesMergeChained(t *testing.T) {
	b := newImageBuilder(0x2000)
	root := b.addUnwindInfo(3, nil)
	// Two follow-on entries chain back to the root function at 0x1000.
	chained := b.addUnwindInfo(0, &[3]uint32{0x1000, 0x1040, root})

	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1040, root},
		[3]uint32{0x1040, 0x1075, chained},
		[3]uint32{0x1075, 0x10a0, chained},
	), b.img)
	require.NoError(t, err)
	assert.Equal(t, []FunctionBoundary{{Start: 0x1000, End: 0x10a0}}, bounds)
}

func TestFunctionBoundariesDistinctRootsNeverMerge(t *testing.T) {
	b := newImageBuilder(0x2000)
	rootA := b.addUnwindInfo(0, nil)
	rootB := b.addUnwindInfo(0, nil)
	chainedA := b.addUnwindInfo(0, &[3]uint32{0x1000, 0x1020, rootA})
	chainedB := b.addUnwindInfo(0, &[3]uint32{0x1100, 0x1120, rootB})

	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1020, rootA},
		[3]uint32{0x1020, 0x1040, chainedA},
		[3]uint32{0x1100, 0x1120, rootB},
		[3]uint32{0x1120, 0x1140, chainedB},
	), b.img)
	require.NoError(t, err)
	assert.Equal(t, []FunctionBoundary{
		{Start: 0x1000, End: 0x1040},
		{Start: 0x1100, End: 0x1140},
	}, bounds)
}

func TestFunctionBoundariesGroupsConsecutiveOnly(t *testing.T) {
	b := newImageBuilder(0x2000)
	rootA := b.addUnwindInfo(0, nil)
	rootB := b.addUnwindInfo(0, nil)
	chainedA := b.addUnwindInfo(0, &[3]uint32{0x1000, 0x1020, rootA})

	// An interleaved entry with a different root splits the group.
	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1020, rootA},
		[3]uint32{0x1100, 0x1120, rootB},
		[3]uint32{0x1120, 0x1140, chainedA},
	), b.img)
	require.NoError(t, err)
	assert.Equal(t, []FunctionBoundary{
		{Start: 0x1000, End: 0x1020},
		{Start: 0x1100, End: 0x1120},
		{Start: 0x1120, End: 0x1140},
	}, bounds)
}

func TestFunctionBoundariesRejectsPartialRecord(t *testing.T) {
	b := newImageBuilder(0x2000)
	table := pdataTable([3]uint32{0x1000, 0x1040, 0x2000})

	_, err := functionBoundaries(table[:len(table)-1], b.img)
	assert.Error(t, err)
}

func TestFunctionBoundariesUndereferenceableInfo(t *testing.T) {
	// Unwind info addresses outside any mapped region terminate the chain
	// walk immediately, so each record keeps its own begin as the key.
	img := &flatImage{base: 0x2000}
	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1040, 0xdead0000},
		[3]uint32{0x1040, 0x1090, 0xdead0000},
	), img)
	require.NoError(t, err)
	require.Len(t, bounds, 2)
}

func TestFunctionBoundariesChainCycleTerminates(t *testing.T) {
	b := newImageBuilder(0x2000)
	// Reserve two slots, then patch them to chain at each other.
	infoA := b.addUnwindInfo(0, &[3]uint32{0, 0, 0})
	infoB := b.addUnwindInfo(0, &[3]uint32{0x1000, 0x1020, infoA})
	patch := b.img.data[infoA-b.img.base+4:]
	binary.LittleEndian.PutUint32(patch[0:], 0x1020)
	binary.LittleEndian.PutUint32(patch[4:], 0x1040)
	binary.LittleEndian.PutUint32(patch[8:], infoB)

	bounds, err := functionBoundaries(pdataTable(
		[3]uint32{0x1000, 0x1020, infoA},
		[3]uint32{0x1020, 0x1040, infoB},
	), b.img)
	require.NoError(t, err)
	assert.NotEmpty(t, bounds)
}
