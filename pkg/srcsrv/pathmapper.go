package srcsrv

// StreamLookup is the slice of Stream the PathMapper needs. It exists so
// tests can instrument lookups; Stream is the production implementation.
type StreamLookup interface {
	RawVar(name string) (string, bool)
	SourceForPath(path string) (RetrievalMethod, string, map[string]string)
}

// The two literal SRC_EXTRACT_CMD texts emitted by Chrome's build, one of
// them with a redundant "SRC_EXTRACT_CMD=" prefix baked into the value.
// googlesource.com (gitiles) cannot serve raw files, only base64 via
// ?format=TEXT, so Chrome PDBs carry a python command that downloads and
// decodes; we recognize exactly that command and recover the URL instead of
// running anything.
const (
	gitilesExtractCmd = `cmd /c "mkdir "%SRC_EXTRACT_TARGET_DIR%" & python3 -c "import urllib.request, base64;url = \"%var4%\";u = urllib.request.urlopen(url);open(r\"%SRC_EXTRACT_TARGET%\", \"wb\").write(%var5%(u.read()))"`

	gitilesExtractCmdPrefixed = `SRC_EXTRACT_CMD=` + gitilesExtractCmd
)

// PathMapper converts raw compile-time source paths to permalinks using a
// srcsrv stream, memoizing per path. It is not safe for concurrent use; the
// owning symbol map serializes access.
type PathMapper struct {
	stream StreamLookup
	cache  map[string]*MappedPath

	// Set when the stream's command template is the known gitiles
	// download-and-base64-decode workaround, with the URL in var4 and the
	// decode function in var5.
	gitilesWorkaround bool
}

// NewPathMapper builds a PathMapper over a parsed srcsrv stream.
func NewPathMapper(stream StreamLookup) *PathMapper {
	return &PathMapper{
		stream:            stream,
		cache:             make(map[string]*MappedPath),
		gitilesWorkaround: matchesGitilesWorkaround(stream),
	}
}

func matchesGitilesWorkaround(stream StreamLookup) bool {
	if cmd, _ := stream.RawVar("SRCSRVCMD"); cmd != "%SRC_EXTRACT_CMD%" {
		return false
	}
	extract, _ := stream.RawVar("SRC_EXTRACT_CMD")
	return extract == gitilesExtractCmd || extract == gitilesExtractCmdPrefixed
}

// MapPath returns the permalink for a raw source path, or nil when the
// stream has no safe mapping for it. Results, including nil, are cached:
// paths repeat across frames and the underlying stream lookup is not free.
func (m *PathMapper) MapPath(path string) *MappedPath {
	if mapped, ok := m.cache[path]; ok {
		return mapped
	}

	var mapped *MappedPath
	method, url, fileVars := m.stream.SourceForPath(path)
	switch method {
	case MethodDownload:
		mapped = MappedPathFromURL(url)
	case MethodCommand:
		// Commands from debug data are never executed. The one recognized
		// command shape is reinterpreted as the URL it would have fetched.
		mapped = m.gitilesMappedPath(fileVars)
	}
	m.cache[path] = mapped
	return mapped
}

func (m *PathMapper) gitilesMappedPath(fileVars map[string]string) *MappedPath {
	if !m.gitilesWorkaround {
		return nil
	}
	if fileVars["var5"] != "base64.b64decode" {
		return nil
	}
	url, ok := fileVars["var4"]
	if !ok {
		return nil
	}
	mapped, ok := parseGitilesURL(url)
	if !ok {
		return nil
	}
	return mapped
}
