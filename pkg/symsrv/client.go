// Package symsrv provides symmap.FileHelper implementations: an HTTP client
// speaking the Microsoft symbol server layout, and a local directory store.
// Resolution and loading policy (retries, negative caching, deduplication)
// lives here; the symbolication core stays policy-free.
package symsrv

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/symres/pkg/symmap"
)

// Config holds the symbol server client configuration.
type Config struct {
	ServerURL         string        `yaml:"server_url"`
	UserAgent         string        `yaml:"user_agent"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	NotFoundCacheSize int           `yaml:"not_found_cache_size"`
	MinBackoff        time.Duration `yaml:"min_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	MaxRetries        int           `yaml:"max_retries"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ServerURL, "symsrv.server-url", "https://msdl.microsoft.com/download/symbols", "Base URL of the symbol server.")
	f.StringVar(&cfg.UserAgent, "symsrv.user-agent", "", "User-Agent header sent with symbol server requests.")
	f.DurationVar(&cfg.RequestTimeout, "symsrv.request-timeout", 120*time.Second, "Timeout for a single symbol server request.")
	f.IntVar(&cfg.NotFoundCacheSize, "symsrv.not-found-cache-size", 1024, "Number of negative lookups to remember.")
	f.DurationVar(&cfg.MinBackoff, "symsrv.min-backoff", 1*time.Second, "Minimum delay between retries.")
	f.DurationVar(&cfg.MaxBackoff, "symsrv.max-backoff", 10*time.Second, "Maximum delay between retries.")
	f.IntVar(&cfg.MaxRetries, "symsrv.max-retries", 3, "Maximum number of attempts per file.")
}

func (cfg *Config) Validate() error {
	if cfg.ServerURL == "" {
		return errors.New("symsrv: server URL is required")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return fmt.Errorf("symsrv: server URL %q must be http(s)", cfg.ServerURL)
	}
	if cfg.NotFoundCacheSize <= 0 {
		return errors.New("symsrv: not-found cache size must be positive")
	}
	return nil
}

// serverLocation is a fully formed download URL on the symbol server.
type serverLocation string

func (l serverLocation) String() string { return string(l) }

// Client fetches companion debug files over the symbol server convention
// <name>/<identity>/<name>. It implements symmap.FileHelper.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     log.Logger
	metrics    *metrics

	// Deduplicates concurrent fetches of the same URL.
	group singleflight.Group

	// URLs the server answered 404 for. Refetching them is pointless
	// within one process lifetime.
	notFound *lru.Cache[string, struct{}]
}

func NewClient(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	notFound, err := lru.New[string, struct{}](cfg.NotFoundCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: cfg.RequestTimeout,
		},
		logger:   logger,
		metrics:  newMetrics(reg),
		notFound: notFound,
	}, nil
}

// ResolveDebugFile maps a debug file reference to its symbol server URL.
// The recorded path is a build-machine path; only its base name is part of
// the server layout.
func (c *Client) ResolveDebugFile(ref symmap.DebugFileReference) (symmap.Location, error) {
	name := baseName(ref.Path)
	if name == "" {
		return nil, fmt.Errorf("debug file reference has no file name: %q", ref.Path)
	}
	url := fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimSuffix(c.cfg.ServerURL, "/"), name, ref.ID, name)
	return serverLocation(url), nil
}

// LoadFile downloads the bytes at a server location. Concurrent requests
// for the same URL are collapsed into one; 404 answers are remembered.
func (c *Client) LoadFile(ctx context.Context, loc symmap.Location) ([]byte, error) {
	url := loc.String()
	if _, ok := c.notFound.Get(url); ok {
		c.metrics.notFoundCacheHits.Inc()
		return nil, notFoundError{key: url}
	}

	start := time.Now()
	status := statusSuccess
	defer func() {
		c.metrics.requestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		return c.fetchWithRetries(ctx, url)
	})
	if err != nil {
		status = categorizeError(err)
		return nil, err
	}

	data := v.([]byte)
	c.metrics.fileSize.Observe(float64(len(data)))
	return data, nil
}

func (c *Client) fetchWithRetries(ctx context.Context, url string) ([]byte, error) {
	backOff := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.MinBackoff,
		MaxBackoff: c.cfg.MaxBackoff,
		MaxRetries: c.cfg.MaxRetries,
	})

	var lastErr error
	for backOff.Ongoing() {
		data, err := c.doRequest(ctx, url)
		if err == nil {
			return data, nil
		}
		if code, ok := isHTTPStatusError(err); ok && code == http.StatusNotFound {
			c.notFound.Add(url, struct{}{})
			return nil, notFoundError{key: url}
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		level.Warn(c.logger).Log("msg", "symbol server fetch failed, retrying", "url", url, "err", err)
		backOff.Wait()
	}
	if lastErr == nil {
		lastErr = backOff.Err()
	}
	return nil, fmt.Errorf("failed to fetch %s after %d attempts: %w", url, backOff.NumRetries()+1, lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := string(data)
		if len(body) > 1000 {
			body = body[:1000] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, body: body}
	}
	return data, nil
}

func categorizeError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return statusErrorCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return statusErrorTimeout
	case IsNotFound(err):
		return statusErrorNotFound
	}
	if code, ok := isHTTPStatusError(err); ok {
		if code >= 500 {
			return statusErrorServerError
		}
		return statusErrorClientError
	}
	return statusErrorOther
}

// baseName extracts the file name from a path recorded on a Windows or
// POSIX build machine.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	return path
}
