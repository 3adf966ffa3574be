// Package symres ties the format backends together: it detects what kind of
// module a byte buffer holds, builds the right symbol map over it, and runs
// the companion-debug-file pipeline for PE binaries.
package symres

import (
	"bytes"
	"context"
	"fmt"

	"github.com/grafana/symres/pkg/elfsym"
	"github.com/grafana/symres/pkg/pdb"
	"github.com/grafana/symres/pkg/pe"
	"github.com/grafana/symres/pkg/symmap"
)

var peMagic = []byte("MZ")

// OpenSymbolMap builds a symbol map directly over a debug-info or binary
// file found by the caller. Compressed buffers are transparently unpacked.
// Dispatch is fixed by the file's magic: PDB, ELF, or PE (symbol tables
// only, no line info).
func OpenSymbolMap(data []byte, location string) (*symmap.SymbolMap, error) {
	data, err := symmap.DetectCompression(data)
	if err != nil {
		return nil, err
	}
	switch {
	case pdb.IsMSF(data):
		backend, err := pdb.Open(data)
		if err != nil {
			return nil, err
		}
		return symmap.NewSymbolMap(backend), nil
	case elfsym.IsELF(data):
		backend, err := elfsym.Open(data)
		if err != nil {
			return nil, err
		}
		return symmap.NewSymbolMap(backend), nil
	case bytes.HasPrefix(data, peMagic):
		backend, err := pe.Open(data, location)
		if err != nil {
			return nil, err
		}
		return symmap.NewSymbolMap(backend), nil
	}
	return nil, &symmap.MalformedContainerError{
		Format: "unknown",
		Err:    fmt.Errorf("%s: unrecognized file magic", location),
	}
}

// LoadSymbolMapForBinary resolves a PE binary's companion PDB through the
// caller's helper and builds a symbol map over it. The loaded file's
// identity must equal the binary's exactly; a mismatch fails with both
// identities attached, never a silent fallback to either file.
func LoadSymbolMapForBinary(ctx context.Context, binary []byte, location string, helper symmap.FileHelper) (*symmap.SymbolMap, error) {
	binary, err := symmap.DetectCompression(binary)
	if err != nil {
		return nil, err
	}
	bin, err := pe.Open(binary, location)
	if err != nil {
		return nil, err
	}
	ref := bin.DebugFileReference()

	loc, err := helper.ResolveDebugFile(ref)
	if err != nil {
		return nil, &symmap.HelperError{Op: "resolve", Path: ref.Path, Err: err}
	}
	raw, err := helper.LoadFile(ctx, loc)
	if err != nil {
		return nil, &symmap.HelperError{Op: "load", Path: loc.String(), Err: err}
	}
	raw, err = symmap.DetectCompression(raw)
	if err != nil {
		return nil, err
	}

	debugFile, err := pdb.Open(raw)
	if err != nil {
		return nil, err
	}
	if debugFile.DebugID() != bin.DebugID() {
		return nil, &symmap.IdentityMismatchError{
			Binary:    bin.DebugID(),
			DebugFile: debugFile.DebugID(),
		}
	}
	return symmap.NewSymbolMapWithExternalFileSupport(debugFile, helper), nil
}
