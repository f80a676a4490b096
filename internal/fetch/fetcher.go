// Package fetch retrieves raw pages for source adapters through a response
// cache and a process-wide concurrency gate.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxBodySize = 10 << 20

// ErrUnparseable marks content that was fetched but cannot be parsed.
// Callbacks return it (wrapped) to have the URL marked in the cache for the
// current run.
var ErrUnparseable = errors.New("fetch: unparseable content")

// Mode selects how a page is retrieved.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeBrowser
)

func (m Mode) String() string {
	if m == ModeBrowser {
		return "browser"
	}
	return "http"
}

// Request describes one fetch.
type Request struct {
	URL  string
	Mode Mode
	// WaitSelector is awaited before a rendered page is captured.
	WaitSelector string
	// Scrolls scrolls a rendered page to the bottom this many times.
	Scrolls int
	Accept  string
	// NoCache bypasses the response cache for both read and write.
	NoCache bool
}

// Error is a failed fetch. Transient failures (network errors, timeouts,
// 429 and 5xx) may succeed on a later run.
type Error struct {
	URL       string
	Status    int
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient *Error.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Transient
}

// Config tunes the fetcher.
type Config struct {
	Concurrency    int           `yaml:"concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	BrowserTimeout time.Duration `yaml:"browser_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        time.Duration `yaml:"backoff"`
	UserAgent      string        `yaml:"user_agent"`
	// CacheTTL bounds the lifetime of in-memory cache entries.
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default fetch settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		Timeout:        20 * time.Second,
		BrowserTimeout: 60 * time.Second,
		MaxAttempts:    3,
		Backoff:        time.Second,
		UserAgent:      DefaultUserAgent,
		CacheTTL:       12 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = d.BrowserTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	return c
}

// Fetcher is shared by every adapter of the process. At most
// Config.Concurrency fetches are in flight at any time.
type Fetcher struct {
	cfg    Config
	client *http.Client
	cache  ResponseCache
	log    *zap.Logger
	gate   chan struct{}

	runMu sync.RWMutex
	runID string

	rendererOnce sync.Once
	newRenderer  func() PageRenderer
	renderer     PageRenderer
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func WithCache(cache ResponseCache) Option {
	return func(f *Fetcher) {
		f.cache = cache
	}
}

// WithRenderer sets the renderer used for ModeBrowser.
func WithRenderer(r PageRenderer) Option {
	return func(f *Fetcher) {
		f.newRenderer = func() PageRenderer { return r }
	}
}

// WithBrowser starts a BrowserPool on the first ModeBrowser request.
func WithBrowser(config *BrowserConfig) Option {
	return func(f *Fetcher) {
		f.newRenderer = func() PageRenderer { return NewBrowserPool(f.log, config) }
	}
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{},
		cache:  NewMemoryCache(cfg.CacheTTL),
		log:    log.Named("fetch"),
		gate:   make(chan struct{}, cfg.Concurrency),
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Close releases the browser if one was started.
func (f *Fetcher) Close() {
	if pool, ok := f.renderer.(*BrowserPool); ok {
		pool.Close()
	}
}

// Fetch returns the body for req, from cache when possible. Failures are
// always *Error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if !req.NoCache {
		if body, ok := f.cacheGet(ctx, req.URL); ok {
			switch {
			case body == f.sentinel():
				return "", &Error{URL: req.URL, Err: ErrUnparseable}
			case !strings.HasPrefix(body, Unparseable):
				return body, nil
			}
			// marked by an earlier run: fetch again
		}
	}

	var (
		body string
		err  error
	)
	for attempt := 1; ; attempt++ {
		body, err = f.attempt(ctx, req)
		if err == nil || attempt >= f.cfg.MaxAttempts || !IsTransient(err) || ctx.Err() != nil {
			break
		}
		wait := f.cfg.Backoff << (attempt - 1)
		f.log.Debug("Retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if !sleep(ctx, wait) {
			break
		}
	}
	if err != nil {
		return "", err
	}

	if !req.NoCache {
		f.cacheSet(ctx, req.URL, body)
	}
	return body, nil
}

// MarkUnparseable records that url cannot be parsed so it is not refetched
// during the current run.
func (f *Fetcher) MarkUnparseable(ctx context.Context, url string) {
	f.cacheSet(ctx, url, f.sentinel())
}

// BeginRun starts a new run. Pages marked unparseable by earlier runs are
// fetched again.
func (f *Fetcher) BeginRun() {
	f.runMu.Lock()
	f.runID = uuid.NewString()
	f.runMu.Unlock()
}

func (f *Fetcher) sentinel() string {
	f.runMu.RLock()
	defer f.runMu.RUnlock()
	return Unparseable + f.runID
}

// attempt performs one gated fetch.
func (f *Fetcher) attempt(ctx context.Context, req Request) (string, error) {
	select {
	case f.gate <- struct{}{}:
	case <-ctx.Done():
		return "", &Error{URL: req.URL, Err: ctx.Err(), Transient: true}
	}
	defer func() { <-f.gate }()

	if req.Mode == ModeBrowser {
		return f.render(ctx, req)
	}
	return f.get(ctx, req)
}

func (f *Fetcher) get(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", &Error{URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", &Error{URL: req.URL, Err: err, Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return "", &Error{
			URL:       req.URL,
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("unexpected status %d", resp.StatusCode),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", &Error{URL: req.URL, Err: fmt.Errorf("read body: %w", err), Transient: true}
	}
	f.log.Debug("Fetched", zap.String("url", req.URL), zap.Int("bytes", len(body)))
	return string(body), nil
}

func (f *Fetcher) render(ctx context.Context, req Request) (string, error) {
	f.rendererOnce.Do(func() {
		if f.newRenderer != nil {
			f.renderer = f.newRenderer()
		}
	})
	if f.renderer == nil {
		return "", &Error{URL: req.URL, Err: errors.New("browser rendering is not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.BrowserTimeout)
	defer cancel()

	html, err := f.renderer.FetchPage(ctx, req.URL, req.WaitSelector, req.Scrolls)
	if err != nil {
		return "", &Error{URL: req.URL, Err: err, Transient: true}
	}
	return html, nil
}

func (f *Fetcher) cacheGet(ctx context.Context, url string) (string, bool) {
	if f.cache == nil {
		return "", false
	}
	body, ok, err := f.cache.Get(ctx, url)
	if err != nil {
		f.log.Warn("Response cache read failed", zap.String("url", url), zap.Error(err))
		return "", false
	}
	return body, ok
}

func (f *Fetcher) cacheSet(ctx context.Context, url, body string) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Set(ctx, url, body); err != nil {
		f.log.Warn("Response cache write failed", zap.String("url", url), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
