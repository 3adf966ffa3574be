package symsrv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symres/pkg/symmap"
)

func testConfig(serverURL string) Config {
	return Config{
		ServerURL:         serverURL,
		RequestTimeout:    5 * time.Second,
		NotFoundCacheSize: 16,
		MinBackoff:        time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		MaxRetries:        3,
	}
}

func testRef() symmap.DebugFileReference {
	return symmap.DebugFileReference{
		Path: `C:\build\obj\firefox.pdb`,
		ID:   symmap.DebugIDFromContent([]byte("firefox")),
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig("https://symbols.example.com")
	require.NoError(t, cfg.Validate())

	cfg.ServerURL = ""
	assert.Error(t, cfg.Validate())

	cfg.ServerURL = "ftp://symbols.example.com"
	assert.Error(t, cfg.Validate())

	cfg = testConfig("https://symbols.example.com")
	cfg.NotFoundCacheSize = 0
	assert.Error(t, cfg.Validate())
}

func TestResolveDebugFileURL(t *testing.T) {
	c, err := NewClient(testConfig("https://symbols.example.com/download/"), log.NewNopLogger(), nil)
	require.NoError(t, err)

	ref := testRef()
	loc, err := c.ResolveDebugFile(ref)
	require.NoError(t, err)
	assert.Equal(t,
		"https://symbols.example.com/download/firefox.pdb/"+ref.ID.String()+"/firefox.pdb",
		loc.String())

	_, err = c.ResolveDebugFile(symmap.DebugFileReference{Path: `C:\build\`})
	assert.Error(t, err)
}

func TestLoadFileSuccess(t *testing.T) {
	payload := []byte("pdb bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/firefox.pdb/"+testRef().ID.String()+"/firefox.pdb", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), log.NewNopLogger(), nil)
	require.NoError(t, err)

	loc, err := c.ResolveDebugFile(testRef())
	require.NoError(t, err)
	data, err := c.LoadFile(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestLoadFileNotFoundIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), log.NewNopLogger(), nil)
	require.NoError(t, err)
	loc, err := c.ResolveDebugFile(testRef())
	require.NoError(t, err)

	_, err = c.LoadFile(context.Background(), loc)
	assert.True(t, IsNotFound(err))
	_, err = c.LoadFile(context.Background(), loc)
	assert.True(t, IsNotFound(err))

	// 404 is not retried and the second call never reaches the server.
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoadFileRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	payload := []byte("eventually fine")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), log.NewNopLogger(), nil)
	require.NoError(t, err)
	loc, err := c.ResolveDebugFile(testRef())
	require.NoError(t, err)

	data, err := c.LoadFile(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, int32(3), hits.Load())
}

func TestLoadFileCollapsesConcurrentFetches(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	payload := []byte("shared bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), log.NewNopLogger(), nil)
	require.NoError(t, err)
	loc, err := c.ResolveDebugFile(testRef())
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.LoadFile(context.Background(), loc)
		}()
	}
	// The handler holds the first request open; give the remaining callers
	// time to join it before letting it complete.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, payload, results[i])
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoadFileDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), log.NewNopLogger(), nil)
	require.NoError(t, err)
	loc, err := c.ResolveDebugFile(testRef())
	require.NoError(t, err)

	_, err = c.LoadFile(context.Background(), loc)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	ref := testRef()
	layout := filepath.Join(dir, "firefox.pdb", ref.ID.String())
	require.NoError(t, os.MkdirAll(layout, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(layout, "firefox.pdb"), []byte("local pdb"), 0o644))

	s := NewLocalStore(log.NewNopLogger(), dir)

	loc, err := s.ResolveDebugFile(ref)
	require.NoError(t, err)
	data, err := s.LoadFile(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("local pdb"), data)

	_, err = s.ResolveDebugFile(symmap.DebugFileReference{
		Path: `C:\build\other.pdb`,
		ID:   symmap.DebugIDFromContent([]byte("other")),
	})
	assert.True(t, IsNotFound(err))
}

func TestLocalStoreFlatLayout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "firefox.pdb"), []byte("flat"), 0o644))

	s := NewLocalStore(log.NewNopLogger(), dir)
	loc, err := s.ResolveDebugFile(testRef())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "firefox.pdb"), loc.String())
}
