// Package srcsrv reads the "srcsrv" source-indexing stream embedded in PDB
// files and maps the compile-time source paths it describes to structured
// permalinks. The stream tells a debugger how to re-obtain each source file,
// either as a direct download URL or as a command template; this package never
// executes commands, it only reinterprets one well-known safe command shape.
package srcsrv

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// RetrievalMethod says how the stream wants a source file to be obtained.
type RetrievalMethod int

const (
	// MethodNone means the stream has no entry for the path.
	MethodNone RetrievalMethod = iota
	// MethodDownload means the target resolves to a direct download URL.
	MethodDownload
	// MethodCommand means the stream wants a command executed. The command
	// is never run; callers may pattern-match the raw variables instead.
	MethodCommand
)

// maxExpandDepth bounds recursive %VAR% expansion so that self-referential
// variable definitions in hostile streams terminate.
const maxExpandDepth = 10

// Stream is a parsed srcsrv source-indexing stream: the variables of the
// "SRCSRV: variables" section plus one entry per indexed source file.
type Stream struct {
	vars  map[string]string   // upper-cased name -> raw value
	files map[string][]string // lower-cased var1 -> all fields of the entry
}

// ParseStream parses the raw bytes of a srcsrv stream.
func ParseStream(data []byte) (*Stream, error) {
	s := &Stream{
		vars:  make(map[string]string),
		files: make(map[string][]string),
	}

	const (
		sectionNone = iota
		sectionIni
		sectionVariables
		sectionSourceFiles
	)
	section := sectionNone
	seenIni := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "SRCSRV: "); ok {
			name, _, _ := strings.Cut(rest, " ")
			switch name {
			case "ini":
				section = sectionIni
				seenIni = true
			case "variables":
				section = sectionVariables
			case "source":
				section = sectionSourceFiles
			case "end":
				section = sectionNone
			default:
				section = sectionNone
			}
			continue
		}
		switch section {
		case sectionIni, sectionVariables:
			name, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			s.vars[strings.ToUpper(name)] = value
		case sectionSourceFiles:
			fields := strings.Split(line, "*")
			if len(fields) == 0 || fields[0] == "" {
				continue
			}
			s.files[strings.ToLower(fields[0])] = fields
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan srcsrv stream: %w", err)
	}
	if !seenIni {
		return nil, fmt.Errorf("not a srcsrv stream: missing ini section")
	}
	return s, nil
}

// RawVar returns the unexpanded value of a stream variable.
func (s *Stream) RawVar(name string) (string, bool) {
	v, ok := s.vars[strings.ToUpper(name)]
	return v, ok
}

// SourceForPath looks up the retrieval method for one compile-time source
// path. The returned map carries the raw per-file fields as "var1".."varN";
// for MethodDownload the url return value is the fully substituted target.
// Lookup is case-insensitive, matching debugger behavior on Windows paths.
func (s *Stream) SourceForPath(path string) (method RetrievalMethod, url string, fileVars map[string]string) {
	fields, ok := s.files[strings.ToLower(path)]
	if !ok {
		return MethodNone, "", nil
	}
	fileVars = make(map[string]string, len(fields))
	for i, f := range fields {
		fileVars[fmt.Sprintf("var%d", i+1)] = f
	}

	if cmd, ok := s.vars["SRCSRVCMD"]; ok && cmd != "" {
		return MethodCommand, "", fileVars
	}

	trg, ok := s.vars["SRCSRVTRG"]
	if !ok || trg == "" {
		return MethodNone, "", fileVars
	}
	expanded, ok := s.expand(trg, fileVars, 0)
	if !ok {
		return MethodNone, "", fileVars
	}
	if !strings.HasPrefix(expanded, "http://") && !strings.HasPrefix(expanded, "https://") {
		return MethodNone, "", fileVars
	}
	return MethodDownload, expanded, fileVars
}

// expand substitutes %name% references from the per-file fields and the
// stream variables. Unknown references (including the %fn*%() function
// forms, which would require interpreting the value) fail the expansion.
func (s *Stream) expand(value string, fileVars map[string]string, depth int) (string, bool) {
	if depth > maxExpandDepth {
		return "", false
	}
	var b strings.Builder
	for {
		i := strings.IndexByte(value, '%')
		if i < 0 {
			b.WriteString(value)
			return b.String(), true
		}
		b.WriteString(value[:i])
		rest := value[i+1:]
		j := strings.IndexByte(rest, '%')
		if j < 0 {
			return "", false
		}
		name := rest[:j]
		if name == "" {
			// "%%" is a literal percent sign.
			b.WriteByte('%')
			value = rest[j+1:]
			continue
		}
		repl, ok := fileVars[strings.ToLower(name)]
		if !ok {
			repl, ok = s.vars[strings.ToUpper(name)]
		}
		if !ok {
			return "", false
		}
		expanded, ok := s.expand(repl, fileVars, depth+1)
		if !ok {
			return "", false
		}
		b.WriteString(expanded)
		value = rest[j+1:]
	}
}
