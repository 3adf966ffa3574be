// Package pdb is the symbol-map backend for Microsoft program database
// files. It parses the MSF container directly and answers relative-address
// lookups with inline-aware frame chains, source lines, and permalink-mapped
// source paths.
package pdb

import (
	"fmt"
	"sync"

	gopdb "github.com/jtang613/gopdb/pkg/pdb"

	"github.com/grafana/symres/pkg/srcsrv"
	"github.com/grafana/symres/pkg/symmap"
)

// File is a parsed PDB. It implements symmap.Backend. All parsing happens
// in Open; afterwards the only mutable state is the path mapper cache, which
// is lock-protected, so concurrent lookups are safe.
type File struct {
	debugID symmap.DebugID
	ctx     *queryContext

	mapperMu sync.Mutex
	mapper   *srcsrv.PathMapper // nil when the file carries no source index
}

// Open parses a PDB held in memory and builds the query context eagerly.
func Open(data []byte) (*File, error) {
	msf, err := openMSF(data)
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}

	infoData, err := msf.stream(streamPDBInfo)
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}
	info, err := parseInfoStream(infoData)
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}

	dbiData, err := msf.stream(streamDBI)
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}
	dbi, err := parseDBIStream(dbiData)
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}

	// The DBI age tracks the debug session and is what the binary's
	// CodeView record stores; the info stream age is the fallback.
	age := dbi.age
	if age == 0 {
		age = info.age
	}

	f := &File{debugID: symmap.DebugIDFromGUID(info.guid, age)}

	// The source index stream is optional. Its absence is normal; a stream
	// that is present but unreadable is a real failure.
	if idx, ok := info.namedStreams["srcsrv"]; ok {
		srcsrvData, err := msf.stream(int(idx))
		if err != nil {
			return nil, &symmap.MalformedContainerError{Format: "PDB", Err: fmt.Errorf("srcsrv stream: %w", err)}
		}
		if stream, err := srcsrv.ParseStream(srcsrvData); err == nil {
			f.mapper = srcsrv.NewPathMapper(stream)
		}
	}

	var names *namesTable
	if idx, ok := info.namedStreams["/names"]; ok {
		if namesData, err := msf.stream(int(idx)); err == nil {
			names, _ = parseNamesTable(namesData)
		}
	}

	var sections *sectionTable
	if dbi.sectionHeadersStream >= 0 {
		secData, err := msf.stream(dbi.sectionHeadersStream)
		if err != nil {
			return nil, &symmap.MalformedContainerError{Format: "PDB", Err: fmt.Errorf("section headers stream: %w", err)}
		}
		sections = parseSectionTable(secData)
	}

	funcIDs := map[uint32]string{}
	if ipiData, err := msf.stream(streamIPI); err == nil && len(ipiData) > 0 {
		funcIDs = parseFuncIDNames(ipiData)
	}

	ctx, err := buildContext(contextInputs{
		msf:      msf,
		dbi:      dbi,
		sections: sections,
		names:    names,
		funcIDs:  funcIDs,
	})
	if err != nil {
		return nil, &symmap.MalformedContainerError{Format: "PDB", Err: err}
	}
	f.ctx = ctx
	return f, nil
}

func (f *File) DebugID() symmap.DebugID { return f.debugID }

func (f *File) SymbolCount() int { return f.ctx.functionCount() }

func (f *File) Symbols() []symmap.SymbolPair {
	out := make([]symmap.SymbolPair, 0, len(f.ctx.funcs))
	for i := range f.ctx.funcs {
		fn := &f.ctx.funcs[i]
		name := fn.name
		if name == "" {
			name = fmt.Sprintf("fun_%x", fn.rva)
		}
		out = append(out, symmap.SymbolPair{Address: fn.rva, Name: name})
	}
	return out
}

// Lookup resolves a relative address. Virtual-address and file-offset forms
// return no result: the PDB records neither the image base nor the on-disk
// section placement needed to reduce them.
func (f *File) Lookup(addr symmap.LookupAddress) *symmap.AddressInfo {
	if addr.Kind != symmap.AddressRelative {
		return nil
	}
	ff := f.ctx.findFrames(addr.Rel)
	if ff == nil || len(ff.frames) == 0 {
		return nil
	}

	name := "unknown"
	if raw := ff.frames[len(ff.frames)-1].function; raw != "" {
		name = gopdb.Demangle(raw)
	}
	size := ff.endRVA - ff.startRVA
	info := &symmap.AddressInfo{
		Symbol: symmap.SymbolInfo{Address: ff.startRVA, Size: &size, Name: name},
	}
	if hasDebugInfo(ff) {
		info.Frames = f.mapFrames(ff.frames)
	}
	return info
}

// hasDebugInfo reports whether the match carries real line-level debug
// info. More than one frame proves inlining data exists; a single frame
// counts only if it has a file or a line.
func hasDebugInfo(ff *functionFrames) bool {
	if len(ff.frames) > 1 {
		return true
	}
	return ff.frames[0].hasFile || ff.frames[0].hasLine
}

// mapFrames converts resolved frames, passing each raw source path through
// the shared path mapper. The lock is scoped to this step alone.
func (f *File) mapFrames(frames []frame) []symmap.Frame {
	out := make([]symmap.Frame, 0, len(frames))
	f.mapperMu.Lock()
	defer f.mapperMu.Unlock()
	for _, fr := range frames {
		sf := symmap.Frame{Function: fr.function, Line: fr.line}
		if fr.hasFile {
			path := &symmap.SourceFilePath{Raw: fr.file}
			if f.mapper != nil {
				path.Mapped = f.mapper.MapPath(fr.file)
			}
			sf.File = path
		}
		out = append(out, sf)
	}
	return out
}
