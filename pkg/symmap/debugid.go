package symmap

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DebugID binds a binary to exactly one debug-info file. For PE/PDB pairs it
// is the CodeView GUID plus the age counter; for formats without an embedded
// GUID it is derived from content. Two files with different DebugIDs are
// never treated as a matching pair.
type DebugID struct {
	GUID uuid.UUID
	Age  uint32
}

// DebugIDFromGUID builds a DebugID from the on-disk little-endian GUID layout
// used by both the PE CodeView record and the PDB info stream: Data1, Data2
// and Data3 are stored little-endian, Data4 as plain bytes.
func DebugIDFromGUID(raw [16]byte, age uint32) DebugID {
	var g uuid.UUID
	binary.BigEndian.PutUint32(g[0:4], binary.LittleEndian.Uint32(raw[0:4]))
	binary.BigEndian.PutUint16(g[4:6], binary.LittleEndian.Uint16(raw[4:6]))
	binary.BigEndian.PutUint16(g[6:8], binary.LittleEndian.Uint16(raw[6:8]))
	copy(g[8:], raw[8:])
	return DebugID{GUID: g, Age: age}
}

// DebugIDFromContent derives an identity for debug files that carry no
// embedded identifier, by hashing the file bytes. The hash fills the GUID
// slot; the age is zero.
func DebugIDFromContent(data []byte) DebugID {
	h := xxhash.Sum64(data)
	var g uuid.UUID
	binary.BigEndian.PutUint64(g[0:8], h)
	binary.BigEndian.PutUint64(g[8:16], uint64(len(data)))
	return DebugID{GUID: g}
}

// DebugIDFromBuildID derives an identity from an ELF GNU build ID note.
func DebugIDFromBuildID(buildID []byte) DebugID {
	var g uuid.UUID
	copy(g[:], buildID)
	return DebugID{GUID: g}
}

// String renders the breakpad form: 32 upper-case hex digits of the GUID
// followed by the age in lower-case hex with no padding.
func (id DebugID) String() string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X%x",
		binary.BigEndian.Uint32(id.GUID[0:4]),
		binary.BigEndian.Uint16(id.GUID[4:6]),
		binary.BigEndian.Uint16(id.GUID[6:8]),
		id.GUID[8], id.GUID[9], id.GUID[10], id.GUID[11],
		id.GUID[12], id.GUID[13], id.GUID[14], id.GUID[15],
		id.Age)
}
