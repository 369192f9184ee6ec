// Package fetcher retrieves Eurostat inventory, DSD, codelist, and TSV
// resources over HTTP, with a write-to-temp-then-rename disk cache and
// exponential-backoff retry for transient failures.
//
// Grounded on original_source/fetcher.py (httpx + tenacity retry, cache
// short-circuit) but adapted to Go idioms: no exceptions, typed sentinel
// errors, and a streamed download (io.Copy straight to the cache file
// instead of buffering the whole body in memory).
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors distinguishing permanent failures (caller should not
// retry the whole pipeline run) from transient ones (a future run may
// succeed) and local cache I/O problems.
var (
	ErrNotFound  = errors.New("fetcher: resource not found")
	ErrTransient = errors.New("fetcher: transient failure after retries")
	ErrCacheIO   = errors.New("fetcher: cache I/O error")
)

// Config configures a Fetcher.
type Config struct {
	BaseURL        string
	SdmxBaseURL    string // defaults to BaseURL if empty
	CacheDir       string
	CacheEnabled   bool
	HTTPClient     *http.Client
	MaxRetries     int           // default 5
	BaseBackoff    time.Duration // default 4s
	MaxBackoff     time.Duration // default 60s
	RequestTimeout time.Duration // default 60s, applied per attempt
}

func (c *Config) setDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 4 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.SdmxBaseURL == "" {
		c.SdmxBaseURL = c.BaseURL
	}
}

// Fetcher fetches and caches the resources the pipeline needs.
type Fetcher struct {
	cfg Config
}

// New constructs a Fetcher from cfg, applying defaults for zero fields.
func New(cfg Config) *Fetcher {
	cfg.setDefaults()
	return &Fetcher{cfg: cfg}
}

// GetInventory fetches the dataset table-of-contents TSV.
func (f *Fetcher) GetInventory(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/files/inventory?type=data", strings.TrimRight(f.cfg.BaseURL, "/"))
	return f.fetch(ctx, u, "inventory.tsv")
}

// GetTSV fetches the gzip-compressed wide-format data matrix for a dataset.
func (f *Fetcher) GetTSV(ctx context.Context, datasetID, downloadURL string) (string, error) {
	cacheName := fmt.Sprintf("%s.tsv.gz", strings.ToLower(datasetID))
	return f.fetch(ctx, downloadURL, cacheName)
}

// GetDSD fetches the SDMX-ML structure document (dataflow + DSD) for a dataset.
func (f *Fetcher) GetDSD(ctx context.Context, datasetID string) (string, error) {
	u := fmt.Sprintf("%s/sdmx/2.1/dataflow/ESTAT/%s/latest?references=all",
		strings.TrimRight(f.cfg.SdmxBaseURL, "/"), url.PathEscape(datasetID))
	cacheName := fmt.Sprintf("dsd_%s.xml", strings.ToLower(datasetID))
	return f.fetch(ctx, u, cacheName)
}

// GetCodelist fetches the SDMX-ML codelist document for a codelist id.
func (f *Fetcher) GetCodelist(ctx context.Context, codelistID string) (string, error) {
	u := fmt.Sprintf("%s/sdmx/2.1/codelist/ESTAT/%s/latest",
		strings.TrimRight(f.cfg.SdmxBaseURL, "/"), url.PathEscape(codelistID))
	cacheName := fmt.Sprintf("codelist_%s.xml", strings.ToLower(codelistID))
	return f.fetch(ctx, u, cacheName)
}

// fetch returns the local path of the cached resource, downloading it (with
// retry) if not already cached.
func (f *Fetcher) fetch(ctx context.Context, sourceURL, cacheName string) (string, error) {
	var cachePath string
	if f.cfg.CacheEnabled && f.cfg.CacheDir != "" {
		cachePath = filepath.Join(f.cfg.CacheDir, cacheName)
		if _, err := os.Stat(cachePath); err == nil {
			return cachePath, nil
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("%w: stat %s: %v", ErrCacheIO, cachePath, err)
		}
	}

	dest := cachePath
	if dest == "" {
		f, err := os.CreateTemp("", "eurostat-fetch-*")
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCacheIO, err)
		}
		dest = f.Name()
		f.Close()
	}

	if err := f.downloadWithRetry(ctx, sourceURL, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// downloadWithRetry performs the HTTP GET with exponential backoff and
// jitter, streaming the response body to a temp file which is renamed to
// dest only on full success (so a crash mid-download never leaves a
// corrupt cache entry behind).
func (f *Fetcher) downloadWithRetry(ctx context.Context, sourceURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrCacheIO, filepath.Dir(dest), err)
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := computeBackoff(attempt, f.cfg.BaseBackoff, f.cfg.MaxBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := f.downloadOnce(ctx, sourceURL, dest)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s: %v", ErrTransient, sourceURL, lastErr)
}

func (f *Fetcher) downloadOnce(ctx context.Context, sourceURL, dest string) error {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrNotFound, err)
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d for %s", ErrNotFound, resp.StatusCode, sourceURL)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("retriable status %d for %s", resp.StatusCode, sourceURL)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d for %s", ErrNotFound, resp.StatusCode, sourceURL)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrCacheIO, tmp, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("streaming download body: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", ErrCacheIO, tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s to %s: %v", ErrCacheIO, tmp, dest, err)
	}
	return nil
}

func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}
