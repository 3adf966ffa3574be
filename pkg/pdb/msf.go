package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// msfMagic is the MSF 7.00 signature every PDB starts with.
var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

const (
	superBlockSize = 56
	// Stream size marker for a deleted directory slot.
	deletedStream = 0xFFFFFFFF
)

// msfFile is an in-memory MSF (multi-stream format) container. Streams are
// scattered over fixed-size blocks; the directory records each stream's size
// and block list.
type msfFile struct {
	data      []byte
	blockSize uint32
	sizes     []uint32
	blocks    [][]uint32
}

// IsMSF reports whether data starts with the MSF 7.00 signature.
func IsMSF(data []byte) bool {
	return len(data) >= len(msfMagic) && bytes.Equal(data[:len(msfMagic)], msfMagic)
}

func openMSF(data []byte) (*msfFile, error) {
	if len(data) < superBlockSize {
		return nil, fmt.Errorf("file smaller than the MSF superblock")
	}
	if !IsMSF(data) {
		return nil, fmt.Errorf("missing MSF 7.00 signature")
	}

	blockSize := binary.LittleEndian.Uint32(data[32:])
	switch blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("invalid MSF block size %d", blockSize)
	}
	numBlocks := binary.LittleEndian.Uint32(data[40:])
	dirBytes := binary.LittleEndian.Uint32(data[44:])
	blockMapAddr := binary.LittleEndian.Uint32(data[52:])

	if uint64(numBlocks)*uint64(blockSize) > uint64(len(data)) {
		return nil, fmt.Errorf("MSF declares %d blocks of %d bytes but file has only %d bytes",
			numBlocks, blockSize, len(data))
	}

	m := &msfFile{data: data, blockSize: blockSize}

	// The block map lists the blocks holding the stream directory.
	numDirBlocks := (dirBytes + blockSize - 1) / blockSize
	mapOff := uint64(blockMapAddr) * uint64(blockSize)
	if mapOff+uint64(numDirBlocks)*4 > uint64(len(data)) {
		return nil, fmt.Errorf("MSF block map out of bounds")
	}
	dir := make([]byte, 0, dirBytes)
	for i := uint32(0); i < numDirBlocks; i++ {
		blockIdx := binary.LittleEndian.Uint32(data[mapOff+uint64(i)*4:])
		block, err := m.block(blockIdx)
		if err != nil {
			return nil, fmt.Errorf("stream directory: %w", err)
		}
		dir = append(dir, block...)
	}
	if uint32(len(dir)) < dirBytes {
		return nil, fmt.Errorf("stream directory truncated")
	}
	if err := m.parseDirectory(dir[:dirBytes]); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *msfFile) block(index uint32) ([]byte, error) {
	off := uint64(index) * uint64(m.blockSize)
	if off+uint64(m.blockSize) > uint64(len(m.data)) {
		return nil, fmt.Errorf("block %d out of bounds", index)
	}
	return m.data[off : off+uint64(m.blockSize)], nil
}

func (m *msfFile) parseDirectory(dir []byte) error {
	r := newCursor(dir)
	numStreams, ok := r.uint32()
	if !ok {
		return fmt.Errorf("stream directory too short")
	}
	m.sizes = make([]uint32, numStreams)
	for i := range m.sizes {
		if m.sizes[i], ok = r.uint32(); !ok {
			return fmt.Errorf("stream directory: missing size for stream %d", i)
		}
	}
	m.blocks = make([][]uint32, numStreams)
	for i, size := range m.sizes {
		if size == deletedStream {
			continue
		}
		n := (size + m.blockSize - 1) / m.blockSize
		m.blocks[i] = make([]uint32, n)
		for j := range m.blocks[i] {
			if m.blocks[i][j], ok = r.uint32(); !ok {
				return fmt.Errorf("stream directory: missing block list for stream %d", i)
			}
		}
	}
	return nil
}

func (m *msfFile) streamCount() int { return len(m.sizes) }

// stream assembles the bytes of one stream. A deleted or absent stream
// yields an empty slice.
func (m *msfFile) stream(index int) ([]byte, error) {
	if index < 0 || index >= len(m.sizes) {
		return nil, fmt.Errorf("stream index %d out of range [0, %d)", index, len(m.sizes))
	}
	size := m.sizes[index]
	if size == deletedStream || size == 0 {
		return nil, nil
	}
	out := make([]byte, 0, size)
	for _, blockIdx := range m.blocks[index] {
		block, err := m.block(blockIdx)
		if err != nil {
			return nil, fmt.Errorf("stream %d: %w", index, err)
		}
		out = append(out, block...)
	}
	return out[:size], nil
}

// cursor is a bounds-checked little-endian reader over a byte slice.
type cursor struct {
	data []byte
	off  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (c *cursor) remaining() int { return len(c.data) - c.off }

func (c *cursor) skip(n int) bool {
	if c.remaining() < n {
		return false
	}
	c.off += n
	return true
}

func (c *cursor) bytes(n int) ([]byte, bool) {
	if c.remaining() < n {
		return nil, false
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, true
}

func (c *cursor) uint16() (uint16, bool) {
	b, ok := c.bytes(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (c *cursor) uint32() (uint32, bool) {
	b, ok := c.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (c *cursor) cstring() (string, bool) {
	i := bytes.IndexByte(c.data[c.off:], 0)
	if i < 0 {
		return "", false
	}
	s := string(c.data[c.off : c.off+i])
	c.off += i + 1
	return s, true
}

// align4 advances to the next 4-byte boundary relative to the slice start.
func (c *cursor) align4() {
	if rem := c.off % 4; rem != 0 {
		c.off += 4 - rem
		if c.off > len(c.data) {
			c.off = len(c.data)
		}
	}
}
