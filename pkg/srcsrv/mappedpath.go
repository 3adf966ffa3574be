package srcsrv

import (
	"strings"
)

// PathKind discriminates the closed set of permalink variants.
type PathKind int

const (
	// PathGit is a file in a git repository at a specific revision.
	PathGit PathKind = iota
	// PathHg is a file in a Mercurial repository at a specific revision.
	PathHg
	// PathS3 is a file in an S3-style object storage bucket.
	PathS3
	// PathURL is a plain download URL that matched no richer variant.
	PathURL
)

// MappedPath is a structured, location-independent "permalink" substituted
// for a raw, build-machine-specific source path. Each variant has a canonical
// external string form, produced by String:
//
//	git:<repo>:<path>:<rev>
//	hg:<repo>:<path>:<rev>
//	s3:<bucket>:<digest_and_path>:
//	<url>
type MappedPath struct {
	Kind   PathKind
	Repo   string // git, hg
	Path   string // git, hg, s3 (digest and path)
	Rev    string // git, hg
	Bucket string // s3
	URL    string // url
}

// GitPath builds the git permalink variant.
func GitPath(repo, path, rev string) *MappedPath {
	return &MappedPath{Kind: PathGit, Repo: repo, Path: path, Rev: rev}
}

// HgPath builds the Mercurial permalink variant.
func HgPath(repo, path, rev string) *MappedPath {
	return &MappedPath{Kind: PathHg, Repo: repo, Path: path, Rev: rev}
}

// S3Path builds the object-storage permalink variant.
func S3Path(bucket, digestAndPath string) *MappedPath {
	return &MappedPath{Kind: PathS3, Bucket: bucket, Path: digestAndPath}
}

// URLPath builds the plain-URL fallback variant.
func URLPath(url string) *MappedPath {
	return &MappedPath{Kind: PathURL, URL: url}
}

// String returns the canonical external representation.
func (p *MappedPath) String() string {
	switch p.Kind {
	case PathGit:
		return "git:" + p.Repo + ":" + p.Path + ":" + p.Rev
	case PathHg:
		return "hg:" + p.Repo + ":" + p.Path + ":" + p.Rev
	case PathS3:
		return "s3:" + p.Bucket + ":" + p.Path + ":"
	default:
		return p.URL
	}
}

// MappedPathFromURL infers a structured permalink from a direct download URL.
// It recognizes the raw-file URL shapes of a few well-known hosting services;
// any other http(s) URL degrades to the plain-URL variant, and non-http input
// yields nil.
func MappedPathFromURL(url string) *MappedPath {
	if rest, ok := strings.CutPrefix(url, "https://raw.githubusercontent.com/"); ok {
		// https://raw.githubusercontent.com/<user>/<repo>/<rev>/<path>
		user, rest, ok1 := strings.Cut(rest, "/")
		repo, rest, ok2 := strings.Cut(rest, "/")
		rev, path, ok3 := strings.Cut(rest, "/")
		if ok1 && ok2 && ok3 && path != "" {
			return GitPath("github.com/"+user+"/"+repo, path, rev)
		}
		return nil
	}
	if rest, ok := strings.CutPrefix(url, "https://hg.mozilla.org/"); ok {
		// https://hg.mozilla.org/<repo>/raw-file/<rev>/<path>
		repo, rest, ok1 := strings.Cut(rest, "/raw-file/")
		rev, path, ok2 := strings.Cut(rest, "/")
		if ok1 && ok2 && path != "" {
			return HgPath("hg.mozilla.org/"+repo, path, rev)
		}
		return nil
	}
	if rest, ok := strings.CutPrefix(url, "https://"); ok {
		if host, path, found := strings.Cut(rest, "/"); found && path != "" {
			if bucket, ok := strings.CutSuffix(host, ".s3.amazonaws.com"); ok {
				return S3Path(bucket, path)
			}
		}
		return URLPath(url)
	}
	if strings.HasPrefix(url, "http://") {
		return URLPath(url)
	}
	return nil
}

// parseGitilesURL parses the exact URL grammar used by the gitiles ?format=TEXT
// workaround: https:// <repo> .git/+/ <rev> / <path> ?format=TEXT with nothing
// after the query. Any deviation fails the parse; partial matches are not
// permalinks.
func parseGitilesURL(url string) (*MappedPath, bool) {
	rest, ok := strings.CutPrefix(url, "https://")
	if !ok {
		return nil, false
	}
	repo, rest, ok := strings.Cut(rest, ".git/+/")
	if !ok || repo == "" {
		return nil, false
	}
	rev, rest, ok := strings.Cut(rest, "/")
	if !ok || rev == "" {
		return nil, false
	}
	path, trailing, ok := strings.Cut(rest, "?format=TEXT")
	if !ok || path == "" || trailing != "" {
		return nil, false
	}
	return GitPath(repo, path, rev), true
}
