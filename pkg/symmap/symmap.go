// Package symmap defines the uniform symbol-map abstraction: the data model
// and capability set through which callers resolve code addresses to symbols
// and source lines without knowing which debug format backs a module, plus
// the collaborator interfaces used to locate and load companion debug files.
package symmap

import (
	"context"

	"github.com/grafana/symres/pkg/srcsrv"
)

// AddressKind tags the interpretation of a lookup address.
type AddressKind int

const (
	// AddressRelative is an offset from the module's load base (an RVA).
	AddressRelative AddressKind = iota
	// AddressVirtual is a stated virtual memory address, image base included.
	AddressVirtual
	// AddressFileOffset is a byte offset into the file on disk.
	AddressFileOffset
)

// LookupAddress is an address plus the kind that says how to interpret it.
// Backends support a subset of kinds; an unsupported kind yields no result,
// never an error.
type LookupAddress struct {
	Kind AddressKind
	Rel  uint32 // valid for AddressRelative
	Addr uint64 // valid for AddressVirtual and AddressFileOffset
}

// RelativeAddress makes a module-relative lookup address.
func RelativeAddress(rva uint32) LookupAddress {
	return LookupAddress{Kind: AddressRelative, Rel: rva}
}

// VirtualAddress makes an image-virtual lookup address.
func VirtualAddress(addr uint64) LookupAddress {
	return LookupAddress{Kind: AddressVirtual, Addr: addr}
}

// FileOffsetAddress makes a file-offset lookup address.
func FileOffsetAddress(off uint64) LookupAddress {
	return LookupAddress{Kind: AddressFileOffset, Addr: off}
}

// SymbolInfo describes the function covering a looked-up address.
type SymbolInfo struct {
	// Address is the function start, relative to the module base.
	Address uint32
	// Size is nil when the backend cannot bound the function.
	Size *uint32
	Name string
}

// SourceFilePath is a raw compile-time path plus, when the path mapper
// produced one, its permalink. Raw is always present.
type SourceFilePath struct {
	Raw    string
	Mapped *srcsrv.MappedPath
}

// Frame is one entry of an inline stack at a looked-up address, innermost
// last. File and Line are absent when the frame has no line attribution.
type Frame struct {
	Function string
	File     *SourceFilePath
	Line     uint32
}

// AddressInfo is the result of a successful lookup: the covering symbol and,
// when the module has debug info for the address, the inline frame chain.
type AddressInfo struct {
	Symbol SymbolInfo
	Frames []Frame
}

// SymbolPair is one entry of a symbol enumeration.
type SymbolPair struct {
	Address uint32
	Name    string
}

// Backend is the capability set every debug-format backend implements.
// Implementations are safe for concurrent queries after construction.
type Backend interface {
	// DebugID returns the identity binding this map to its binary.
	DebugID() DebugID
	// SymbolCount returns the number of functions known to the map.
	SymbolCount() int
	// Symbols enumerates every known function. The slice is computed fresh
	// on each call; callers may retain or mutate it freely.
	Symbols() []SymbolPair
	// Lookup resolves one address. A nil result means the address is not
	// attributable (out of range, or the address kind is unsupported).
	Lookup(addr LookupAddress) *AddressInfo
}

// SymbolMap is the externally visible handle over one module's resolved
// debug info. The zero value is not usable; construct via the loader in
// pkg/symres or a backend package. Dispatch to the concrete backend is fixed
// at construction.
type SymbolMap struct {
	backend Backend
	helper  FileHelper // non-nil when further companion lookups are possible
}

// NewSymbolMap wraps a backend whose debug file was found directly.
func NewSymbolMap(backend Backend) *SymbolMap {
	return &SymbolMap{backend: backend}
}

// NewSymbolMapWithExternalFileSupport wraps a backend that may need the
// helper again to satisfy lookups referencing further external artifacts.
// Callers observe no difference between the two variants.
func NewSymbolMapWithExternalFileSupport(backend Backend, helper FileHelper) *SymbolMap {
	return &SymbolMap{backend: backend, helper: helper}
}

// FileHelper returns the helper this map can use for further companion-file
// lookups, or nil for the plain variant. Backends that discover references
// to additional external artifacts resolve them through it.
func (m *SymbolMap) FileHelper() FileHelper {
	return m.helper
}

// DebugID returns the module identity.
func (m *SymbolMap) DebugID() DebugID { return m.backend.DebugID() }

// SymbolCount returns the number of functions known to the map.
func (m *SymbolMap) SymbolCount() int { return m.backend.SymbolCount() }

// Symbols enumerates every known function, freshly computed per call.
func (m *SymbolMap) Symbols() []SymbolPair { return m.backend.Symbols() }

// Lookup resolves one address; nil means unattributable.
func (m *SymbolMap) Lookup(addr LookupAddress) *AddressInfo {
	return m.backend.Lookup(addr)
}

// Location names a loadable place for file bytes: a file-system path, a
// symbol-server URL, or whatever else a FileHelper understands.
type Location interface {
	String() string
}

// DebugFileReference is the identity-bearing pointer a binary embeds to its
// companion debug file.
type DebugFileReference struct {
	// Path is the companion file path as recorded at build time.
	Path string
	// ID is the identity the companion file must match.
	ID DebugID
}

// FileHelper locates and loads file bytes on behalf of the core. Resolution
// and loading policy (symbol-server conventions, caches, retries, timeouts)
// belongs entirely to implementations; the core performs no retries.
type FileHelper interface {
	// ResolveDebugFile maps a debug-file reference to a loadable location,
	// or fails when it cannot or will not provide one.
	ResolveDebugFile(ref DebugFileReference) (Location, error)
	// LoadFile reads the bytes at a location. It is the one operation that
	// may block on I/O; ctx carries cancellation.
	LoadFile(ctx context.Context, loc Location) ([]byte, error)
}
