package pdb

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// CodeView symbol record kinds handled by the context builder.
const (
	symEnd           = 0x0006
	symThunk32       = 0x1102
	symBlock32       = 0x1103
	symLProc32       = 0x110f
	symGProc32       = 0x1110
	symLProc32ID     = 0x1146
	symGProc32ID     = 0x1147
	symInlineSite    = 0x114d
	symInlineSiteEnd = 0x114e
)

// Function-id leaf kinds in the IPI stream.
const (
	leafFuncID  = 0x1601
	leafMFuncID = 0x1602
)

// lineRecord is one resolved line table row of a function.
type lineRecord struct {
	rva  uint32
	file string
	line uint32
}

// inlineSite is one inlined call inside a function, reduced to a single
// covering code range.
type inlineSite struct {
	depth int
	start uint32 // rva
	end   uint32
	name  string
	file  string
	line  uint32
}

type function struct {
	rva     uint32
	end     uint32
	name    string
	lines   []lineRecord
	inlines []inlineSite
}

// queryContext answers relative-address queries over every function
// collected from the module streams. Immutable once built.
type queryContext struct {
	funcs []function
}

// frame is one entry of a resolved inline stack, outermost first.
type frame struct {
	function string
	file     string
	hasFile  bool
	line     uint32
	hasLine  bool
}

type functionFrames struct {
	startRVA uint32
	endRVA   uint32
	frames   []frame
}

// contextInputs carries the cross-stream tables the builder needs.
type contextInputs struct {
	msf      *msfFile
	dbi      *dbiStream
	sections *sectionTable
	names    *namesTable
	funcIDs  map[uint32]string
}

func buildContext(in contextInputs) (*queryContext, error) {
	ctx := &queryContext{}
	for _, mod := range in.dbi.modules {
		if mod.symStream < 0 || mod.symStream >= in.msf.streamCount() {
			continue
		}
		stream, err := in.msf.stream(mod.symStream)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mod.name, err)
		}
		if uint64(mod.symSize)+uint64(mod.c11Size)+uint64(mod.c13Size) > uint64(len(stream)) {
			return nil, fmt.Errorf("module %q: substream sizes exceed stream length", mod.name)
		}

		var lines *moduleLines
		c13Off := mod.symSize + mod.c11Size
		if mod.c13Size > 0 {
			lines, err = parseC13Lines(stream[c13Off:c13Off+mod.c13Size], in.sections)
			if err != nil {
				return nil, fmt.Errorf("module %q: %w", mod.name, err)
			}
		}

		funcs := parseModuleSymbols(stream[:mod.symSize], in, lines)
		attachLines(funcs, lines, in.names)
		ctx.funcs = append(ctx.funcs, funcs...)
	}
	sort.Slice(ctx.funcs, func(i, j int) bool { return ctx.funcs[i].rva < ctx.funcs[j].rva })
	return ctx, nil
}

// parseModuleSymbols walks one module's CodeView records, collecting
// procedures and the inline sites nested in them. Scope tracking follows
// the parent/end block structure: every scope-opening record is matched by
// an end record.
func parseModuleSymbols(data []byte, in contextInputs, lines *moduleLines) []function {
	var funcs []function
	c := newCursor(data)
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == cvSignature {
		c.skip(4)
	}

	var current *function
	inlineDepth := 0
	scopeDepth := 0 // procs and blocks; distinct from inline nesting
	for c.remaining() >= 4 {
		recLen, _ := c.uint16()
		if recLen < 2 {
			break
		}
		body, ok := c.bytes(int(recLen))
		if !ok {
			break
		}
		kind := binary.LittleEndian.Uint16(body)
		body = body[2:]

		switch kind {
		case symGProc32, symLProc32, symGProc32ID, symLProc32ID:
			scopeDepth++
			if current != nil || len(body) < 35 {
				continue
			}
			length := binary.LittleEndian.Uint32(body[12:])
			offset := binary.LittleEndian.Uint32(body[28:])
			segment := binary.LittleEndian.Uint16(body[32:])
			rva, ok := in.sections.rva(segment, offset)
			if !ok {
				continue
			}
			funcs = append(funcs, function{
				rva:  rva,
				end:  rva + length,
				name: cstringAt(body, 35),
			})
			current = &funcs[len(funcs)-1]

		case symThunk32, symBlock32:
			scopeDepth++

		case symInlineSite:
			inlineDepth++
			if current == nil || len(body) < 12 {
				continue
			}
			inlinee := binary.LittleEndian.Uint32(body[8:])
			start, end, lineDelta, ok := decodeInlineRange(body[12:])
			if !ok {
				continue
			}
			site := inlineSite{
				depth: inlineDepth,
				start: current.rva + start,
				end:   current.rva + end,
				name:  in.funcIDs[inlinee],
			}
			if lines != nil {
				if decl, ok := lines.inlinees[inlinee]; ok {
					site.line = uint32(int32(decl.line) + lineDelta)
					site.file, _ = lines.checksums.fileName(decl.fileID, in.names)
				}
			}
			current.inlines = append(current.inlines, site)

		case symInlineSiteEnd:
			if inlineDepth > 0 {
				inlineDepth--
			}

		case symEnd:
			if scopeDepth > 0 {
				scopeDepth--
			}
			if scopeDepth == 0 {
				current = nil
				inlineDepth = 0
			}
		}
	}
	return funcs
}

// attachLines distributes a module's line records over its functions by
// address containment.
func attachLines(funcs []function, lines *moduleLines, names *namesTable) {
	if lines == nil || len(funcs) == 0 {
		return
	}
	sorted := make([]*function, len(funcs))
	for i := range funcs {
		sorted[i] = &funcs[i]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rva < sorted[j].rva })

	for _, e := range lines.entries {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].rva > e.rva })
		if i == 0 {
			continue
		}
		f := sorted[i-1]
		if e.rva >= f.end {
			continue
		}
		file, _ := lines.checksums.fileName(e.fileID, names)
		f.lines = append(f.lines, lineRecord{rva: e.rva, file: file, line: e.line})
	}
	for _, f := range sorted {
		sort.Slice(f.lines, func(i, j int) bool { return f.lines[i].rva < f.lines[j].rva })
	}
}

func (q *queryContext) functionCount() int { return len(q.funcs) }

// findFrames resolves a relative address to its function and inline stack,
// outermost frame first. A nil result means no function covers the address.
func (q *queryContext) findFrames(rva uint32) *functionFrames {
	i := sort.Search(len(q.funcs), func(i int) bool { return q.funcs[i].rva > rva })
	if i == 0 {
		return nil
	}
	f := &q.funcs[i-1]
	if rva >= f.end {
		return nil
	}

	out := &functionFrames{startRVA: f.rva, endRVA: f.end}
	outer := frame{function: f.name}
	if j := sort.Search(len(f.lines), func(j int) bool { return f.lines[j].rva > rva }); j > 0 {
		rec := f.lines[j-1]
		outer.line, outer.hasLine = rec.line, true
		if rec.file != "" {
			outer.file, outer.hasFile = rec.file, true
		}
	}
	out.frames = append(out.frames, outer)

	// Inline sites covering the address, from shallowest to deepest.
	var covering []inlineSite
	for _, site := range f.inlines {
		if site.start <= rva && rva < site.end {
			covering = append(covering, site)
		}
	}
	sort.SliceStable(covering, func(i, j int) bool { return covering[i].depth < covering[j].depth })
	for _, site := range covering {
		fr := frame{function: site.name, line: site.line, hasLine: true}
		if site.file != "" {
			fr.file, fr.hasFile = site.file, true
		}
		out.frames = append(out.frames, fr)
	}
	return out
}

// parseFuncIDNames extracts function names from the IPI stream's LF_FUNC_ID
// and LF_MFUNC_ID records, keyed by function-id index.
func parseFuncIDNames(data []byte) map[uint32]string {
	out := map[uint32]string{}
	if len(data) < 20 {
		return out
	}
	headerSize := binary.LittleEndian.Uint32(data[4:])
	indexBegin := binary.LittleEndian.Uint32(data[8:])
	recordBytes := binary.LittleEndian.Uint32(data[16:])
	if uint64(headerSize)+uint64(recordBytes) > uint64(len(data)) {
		return out
	}

	c := newCursor(data[headerSize : uint64(headerSize)+uint64(recordBytes)])
	index := indexBegin
	for c.remaining() >= 4 {
		recLen, _ := c.uint16()
		if recLen < 2 {
			break
		}
		body, ok := c.bytes(int(recLen))
		if !ok {
			break
		}
		kind := binary.LittleEndian.Uint16(body)
		if (kind == leafFuncID || kind == leafMFuncID) && len(body) > 10 {
			out[index] = cstringAt(body[10:], 0)
		}
		index++
	}
	return out
}
