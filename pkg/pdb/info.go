package pdb

import (
	"fmt"
)

// Fixed stream indices defined by the format.
const (
	streamPDBInfo = 1
	streamTPI     = 2
	streamDBI     = 3
	streamIPI     = 4
)

// infoStream is the PDB info stream: the file's identity plus the named
// stream map through which auxiliary streams like "srcsrv" and "/names" are
// found.
type infoStream struct {
	version      uint32
	signature    uint32
	age          uint32
	guid         [16]byte
	namedStreams map[string]uint32
}

func parseInfoStream(data []byte) (*infoStream, error) {
	c := newCursor(data)
	info := &infoStream{namedStreams: map[string]uint32{}}

	var ok bool
	if info.version, ok = c.uint32(); !ok {
		return nil, fmt.Errorf("info stream truncated")
	}
	info.signature, _ = c.uint32()
	if info.age, ok = c.uint32(); !ok {
		return nil, fmt.Errorf("info stream truncated")
	}
	guid, ok := c.bytes(16)
	if !ok {
		return nil, fmt.Errorf("info stream has no GUID")
	}
	copy(info.guid[:], guid)

	// Named stream map: string buffer, then a serialized hash table whose
	// present-bucket entries are {string offset, stream index} pairs.
	strBufSize, ok := c.uint32()
	if !ok {
		return info, nil
	}
	strBuf, ok := c.bytes(int(strBufSize))
	if !ok {
		return info, nil
	}
	if _, ok = c.uint32(); !ok { // hash table size
		return info, nil
	}
	capacity, ok := c.uint32()
	if !ok {
		return info, nil
	}
	present, ok := readBitVector(c)
	if !ok {
		return info, nil
	}
	if _, ok = readBitVector(c); !ok { // deleted buckets
		return info, nil
	}
	for i := uint32(0); i < capacity; i++ {
		if !bitSet(present, i) {
			continue
		}
		keyOff, ok1 := c.uint32()
		streamIdx, ok2 := c.uint32()
		if !ok1 || !ok2 {
			break
		}
		if keyOff < strBufSize {
			info.namedStreams[cstringAt(strBuf, keyOff)] = streamIdx
		}
	}
	return info, nil
}

func readBitVector(c *cursor) ([]uint32, bool) {
	n, ok := c.uint32()
	if !ok {
		return nil, false
	}
	words := make([]uint32, n)
	for i := range words {
		if words[i], ok = c.uint32(); !ok {
			return nil, false
		}
	}
	return words, true
}

func bitSet(words []uint32, n uint32) bool {
	w := n / 32
	return w < uint32(len(words)) && words[w]&(1<<(n%32)) != 0
}

func cstringAt(buf []byte, off uint32) string {
	s := buf[off:]
	for i, b := range s {
		if b == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}
