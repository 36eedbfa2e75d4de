package acreage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for document fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxRetryAfter caps how long a Retry-After header can stall a fetch
	maxRetryAfter = 30 * time.Second

	// maxResponseBytes caps the fields document at 200 MB.
	maxResponseBytes = 200 << 20
)

// ErrNoFields is returned for a fields document whose fields array is empty
var ErrNoFields = errors.New("fields document has no fields")

// FetchStatusError is an unexpected HTTP status from the fields API
type FetchStatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *FetchStatusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the request is worth repeating. Client errors
// other than timeouts and rate limiting are not.
func (e *FetchStatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	}
	return true
}

// FetchOption configures FetchFieldsFromAPI behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
	cacheFile   string
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithCacheFile keeps the last good document at path, with its ETag next
// to it in path+".etag". Later fetches revalidate with If-None-Match, and
// the cached copy is served when the API cannot be reached.
func WithCacheFile(path string) FetchOption {
	return func(c *fetchConfig) {
		c.cacheFile = path
	}
}

// FetchResult is a downloaded fields document
type FetchResult struct {
	Records []FieldRecord
	ETag    string
	// FromCache is set when the records came from the cache file, either
	// because the API answered 304 or because it could not be reached.
	FromCache bool
	Stale     bool
}

// FetchFieldsFromAPI downloads and parses a fields document, retrying
// transient failures with exponential backoff.
func FetchFieldsFromAPI(url string, opts ...FetchOption) ([]FieldRecord, error) {
	res, err := FetchFieldsFromAPIWithContext(context.Background(), url, opts...)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// FetchFieldsFromAPIWithContext is like FetchFieldsFromAPI but accepts a
// context for cancellation and reports where the records came from.
func FetchFieldsFromAPIWithContext(ctx context.Context, url string, opts ...FetchOption) (*FetchResult, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch fields: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 1 {
		cfg.maxRetries = 1
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	cached := readFieldsCache(cfg.cacheFile)

	var lastErr error
	var wait time.Duration
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if wait > backoff {
				backoff = wait
			}
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch fields: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		etag := ""
		if cached != nil {
			etag = cached.etag
		}
		resp, err := doFetch(ctx, client, url, etag)
		if err != nil {
			lastErr = err
			var statusErr *FetchStatusError
			if errors.As(err, &statusErr) {
				if !statusErr.Temporary() {
					return nil, fmt.Errorf("fetch fields: %w", err)
				}
				wait = statusErr.RetryAfter
			}
			continue
		}

		if resp.notModified {
			if cached == nil {
				return nil, fmt.Errorf("fetch fields: %s answered 304 without a cached copy", url)
			}
			records, err := parseFetchedFields(cached.body)
			if err != nil {
				return nil, fmt.Errorf("fetch fields: cached copy: %w", err)
			}
			log.Printf("[data] %s unchanged (ETag %s), using cached copy", url, cached.etag)
			return &FetchResult{Records: records, ETag: cached.etag, FromCache: true}, nil
		}

		records, err := parseFetchedFields(resp.body)
		if err != nil {
			// Bad documents are not transient; do not retry.
			return nil, fmt.Errorf("fetch fields: %w", err)
		}
		if cfg.cacheFile != "" {
			if err := writeFieldsCache(cfg.cacheFile, resp.body, resp.etag); err != nil {
				log.Printf("[data] Warning: could not update cache %s: %v", cfg.cacheFile, err)
			}
		}
		return &FetchResult{Records: records, ETag: resp.etag}, nil
	}

	if cached != nil {
		if records, err := parseFetchedFields(cached.body); err == nil {
			log.Printf("[data] Warning: %s unreachable (%v), using cached copy from %s", url, lastErr, cfg.cacheFile)
			return &FetchResult{Records: records, ETag: cached.etag, FromCache: true, Stale: true}, nil
		}
	}
	return nil, fmt.Errorf("fetch fields: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// parseFetchedFields parses a downloaded document; a document that parses
// but carries no fields counts as broken.
func parseFetchedFields(body []byte) ([]FieldRecord, error) {
	records, err := ParseFieldsJSON(body)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoFields
	}
	return records, nil
}

type fetchResponse struct {
	body        []byte
	etag        string
	notModified bool
}

// doFetch performs a single conditional HTTP GET.
func doFetch(ctx context.Context, client *http.Client, url, etag string) (*fetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return &fetchResponse{notModified: true}, nil
	default:
		return nil, &FetchStatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return &fetchResponse{body: body, etag: resp.Header.Get("ETag")}, nil
}

// parseRetryAfter reads a Retry-After header given in seconds
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

type fieldsCache struct {
	body []byte
	etag string
}

func readFieldsCache(path string) *fieldsCache {
	if path == "" {
		return nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	etag, _ := os.ReadFile(path + ".etag")
	return &fieldsCache{body: body, etag: strings.TrimSpace(string(etag))}
}

// writeFieldsCache replaces the cache file and its ETag
func writeFieldsCache(path string, body []byte, etag string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if etag == "" {
		if err := os.Remove(path + ".etag"); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return os.WriteFile(path+".etag", []byte(etag), 0o644)
}
