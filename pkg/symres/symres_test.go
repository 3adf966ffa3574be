package symres

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symres/pkg/symmap"
)

var testGUID = [16]byte{
	0x33, 0x1d, 0x7d, 0x3b,
	0x5d, 0x8e,
	0x2b, 0x4f,
	0x88, 0x13, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
}

// buildTestPE assembles a minimal 64-bit PE image whose only content is a
// CodeView debug directory entry pointing at pdbPath.
func buildTestPE(t *testing.T, guid [16]byte, age uint32, pdbPath string) []byte {
	t.Helper()
	img := make([]byte, 0x400)

	// DOS header.
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[0x3c:], 0x80) // e_lfanew

	copy(img[0x80:], "PE\x00\x00")

	// COFF file header.
	coff := img[0x84:]
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // machine
	binary.LittleEndian.PutUint16(coff[2:], 1)      // section count
	binary.LittleEndian.PutUint16(coff[16:], 240)   // optional header size
	binary.LittleEndian.PutUint16(coff[18:], 0x22)  // characteristics

	// Optional header (PE32+).
	opt := img[0x98:]
	binary.LittleEndian.PutUint16(opt[0:], 0x20b)
	binary.LittleEndian.PutUint64(opt[24:], 0x140000000) // image base
	binary.LittleEndian.PutUint32(opt[32:], 0x1000)      // section alignment
	binary.LittleEndian.PutUint32(opt[36:], 0x200)       // file alignment
	binary.LittleEndian.PutUint32(opt[56:], 0x2000)      // size of image
	binary.LittleEndian.PutUint32(opt[60:], 0x200)       // size of headers
	binary.LittleEndian.PutUint16(opt[68:], 3)           // subsystem
	binary.LittleEndian.PutUint32(opt[108:], 16)         // rva and sizes
	// Debug directory: one 28-byte entry at RVA 0x1000.
	binary.LittleEndian.PutUint32(opt[112+6*8:], 0x1000)
	binary.LittleEndian.PutUint32(opt[112+6*8+4:], 28)

	// Section header for .rdata.
	sec := img[0x188:]
	copy(sec, ".rdata")
	binary.LittleEndian.PutUint32(sec[8:], 0x200)       // virtual size
	binary.LittleEndian.PutUint32(sec[12:], 0x1000)     // virtual address
	binary.LittleEndian.PutUint32(sec[16:], 0x200)      // raw size
	binary.LittleEndian.PutUint32(sec[20:], 0x200)      // raw pointer
	binary.LittleEndian.PutUint32(sec[36:], 0x40000040) // characteristics

	// Debug directory entry: CodeView, data at RVA 0x101c / file 0x21c.
	rsds := make([]byte, 0, 24+len(pdbPath)+1)
	rsds = append(rsds, "RSDS"...)
	rsds = append(rsds, guid[:]...)
	rsds = binary.LittleEndian.AppendUint32(rsds, age)
	rsds = append(rsds, pdbPath...)
	rsds = append(rsds, 0)

	dbg := img[0x200:]
	binary.LittleEndian.PutUint32(dbg[12:], 2) // IMAGE_DEBUG_TYPE_CODEVIEW
	binary.LittleEndian.PutUint32(dbg[16:], uint32(len(rsds)))
	binary.LittleEndian.PutUint32(dbg[20:], 0x101c)
	binary.LittleEndian.PutUint32(dbg[24:], 0x21c)
	copy(img[0x21c:], rsds)

	return img
}

// buildTestPDB assembles a minimal but well-formed PDB: an info stream with
// the given identity and an empty module list.
func buildTestPDB(t *testing.T, guid [16]byte, age uint32) []byte {
	t.Helper()
	const blockSize = 512

	info := binary.LittleEndian.AppendUint32(nil, 20000404)
	info = binary.LittleEndian.AppendUint32(info, 0)
	info = binary.LittleEndian.AppendUint32(info, age)
	info = append(info, guid[:]...)

	dbi := make([]byte, 64)
	binary.LittleEndian.PutUint32(dbi[0:], 0xFFFFFFFF) // version signature -1
	binary.LittleEndian.PutUint32(dbi[8:], age)

	streams := [][]byte{nil, info, nil, dbi}

	// Superblock + two free block maps, then one block per stream chunk,
	// then the directory and its block map.
	blocks := [][]byte{make([]byte, blockSize), make([]byte, blockSize), make([]byte, blockSize)}
	appendData := func(data []byte) []uint32 {
		var indices []uint32
		for off := 0; off < len(data); off += blockSize {
			end := off + blockSize
			if end > len(data) {
				end = len(data)
			}
			block := make([]byte, blockSize)
			copy(block, data[off:end])
			indices = append(indices, uint32(len(blocks)))
			blocks = append(blocks, block)
		}
		return indices
	}

	streamBlocks := make([][]uint32, len(streams))
	for i, s := range streams {
		streamBlocks[i] = appendData(s)
	}
	var dir []byte
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(streams)))
	for _, s := range streams {
		dir = binary.LittleEndian.AppendUint32(dir, uint32(len(s)))
	}
	for _, indices := range streamBlocks {
		for _, idx := range indices {
			dir = binary.LittleEndian.AppendUint32(dir, idx)
		}
	}
	dirBlocks := appendData(dir)
	var blockMap []byte
	for _, idx := range dirBlocks {
		blockMap = binary.LittleEndian.AppendUint32(blockMap, idx)
	}
	blockMapAddr := appendData(blockMap)[0]

	super := blocks[0]
	copy(super, "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
	binary.LittleEndian.PutUint32(super[32:], blockSize)
	binary.LittleEndian.PutUint32(super[36:], 1)
	binary.LittleEndian.PutUint32(super[40:], uint32(len(blocks)))
	binary.LittleEndian.PutUint32(super[44:], uint32(len(dir)))
	binary.LittleEndian.PutUint32(super[52:], blockMapAddr)

	out := make([]byte, 0, len(blocks)*blockSize)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return out
}

type fakeLocation string

func (l fakeLocation) String() string { return string(l) }

type fakeHelper struct {
	resolveErr error
	loadErr    error
	files      map[string][]byte
}

func (h *fakeHelper) ResolveDebugFile(ref symmap.DebugFileReference) (symmap.Location, error) {
	if h.resolveErr != nil {
		return nil, h.resolveErr
	}
	return fakeLocation(ref.Path), nil
}

func (h *fakeHelper) LoadFile(_ context.Context, loc symmap.Location) ([]byte, error) {
	if h.loadErr != nil {
		return nil, h.loadErr
	}
	data, ok := h.files[loc.String()]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func TestLoadSymbolMapForBinary(t *testing.T) {
	bin := buildTestPE(t, testGUID, 1, `C:\build\app.pdb`)
	helper := &fakeHelper{files: map[string][]byte{
		`C:\build\app.pdb`: buildTestPDB(t, testGUID, 1),
	}}

	m, err := LoadSymbolMapForBinary(context.Background(), bin, "app.exe", helper)
	require.NoError(t, err)
	assert.Equal(t, "3B7D1D338E5D4F2B8813AABBCCDDEEFF1", m.DebugID().String())
	assert.Equal(t, 0, m.SymbolCount())
}

func TestLoadSymbolMapForBinaryCompressedDebugFile(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(buildTestPDB(t, testGUID, 1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	bin := buildTestPE(t, testGUID, 1, `C:\build\app.pdb`)
	helper := &fakeHelper{files: map[string][]byte{`C:\build\app.pdb`: buf.Bytes()}}

	m, err := LoadSymbolMapForBinary(context.Background(), bin, "app.exe", helper)
	require.NoError(t, err)
	assert.Equal(t, "3B7D1D338E5D4F2B8813AABBCCDDEEFF1", m.DebugID().String())
}

func TestLoadSymbolMapForBinaryIdentityMismatch(t *testing.T) {
	bin := buildTestPE(t, testGUID, 1, `C:\build\app.pdb`)
	helper := &fakeHelper{files: map[string][]byte{
		`C:\build\app.pdb`: buildTestPDB(t, testGUID, 2), // stale age
	}}

	_, err := LoadSymbolMapForBinary(context.Background(), bin, "app.exe", helper)
	require.True(t, symmap.IsIdentityMismatch(err))
	var mismatch *symmap.IdentityMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, uint32(1), mismatch.Binary.Age)
	assert.Equal(t, uint32(2), mismatch.DebugFile.Age)
	assert.NotEqual(t, mismatch.Binary, mismatch.DebugFile)
}

func TestLoadSymbolMapForBinaryHelperFailures(t *testing.T) {
	bin := buildTestPE(t, testGUID, 1, `C:\build\app.pdb`)

	_, err := LoadSymbolMapForBinary(context.Background(), bin, "app.exe",
		&fakeHelper{resolveErr: errors.New("refused")})
	var helperErr *symmap.HelperError
	require.True(t, errors.As(err, &helperErr))
	assert.Equal(t, "resolve", helperErr.Op)

	_, err = LoadSymbolMapForBinary(context.Background(), bin, "app.exe",
		&fakeHelper{loadErr: errors.New("timeout")})
	require.True(t, errors.As(err, &helperErr))
	assert.Equal(t, "load", helperErr.Op)
}

func TestOpenSymbolMapDispatch(t *testing.T) {
	t.Run("pdb", func(t *testing.T) {
		m, err := OpenSymbolMap(buildTestPDB(t, testGUID, 1), "app.pdb")
		require.NoError(t, err)
		assert.Equal(t, "3B7D1D338E5D4F2B8813AABBCCDDEEFF1", m.DebugID().String())
	})

	t.Run("pe", func(t *testing.T) {
		m, err := OpenSymbolMap(buildTestPE(t, testGUID, 1, `C:\x.pdb`), "app.exe")
		require.NoError(t, err)
		assert.Equal(t, "3B7D1D338E5D4F2B8813AABBCCDDEEFF1", m.DebugID().String())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := OpenSymbolMap([]byte("plain text, not a module"), "notes.txt")
		var malformed *symmap.MalformedContainerError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "unknown", malformed.Format)
	})
}
