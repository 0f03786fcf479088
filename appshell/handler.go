package appshell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// OfflinePath is the route whose cached copy stands in for navigations
	// while the origin is unreachable.
	OfflinePath = "/offline"

	// MaxCachedBody caps what a single cached response may hold. Larger
	// bodies are served but not cached.
	MaxCachedBody = 10 * 1024 * 1024

	// DefaultUpstreamTimeout bounds one proxied request.
	DefaultUpstreamTimeout = 15 * time.Second
)

// cachedHeaders is the subset of response headers worth replaying offline.
var cachedHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// Handler proxies the shell origin network-first: upstream answers win and
// refresh the cache in the background; when upstream is unreachable the
// cached copy is served, and navigations with nothing cached get the
// offline page instead of a broken screen.
type Handler struct {
	upstream *url.URL
	cache    *Cache
	client   *http.Client
	logger   *slog.Logger

	// wg tracks background cache fills so Close can drain them.
	wg sync.WaitGroup
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHTTPClient sets the client used for upstream requests.
func WithHTTPClient(client *http.Client) HandlerOption {
	return func(h *Handler) {
		h.client = client
	}
}

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a shell proxy for the given upstream origin.
func NewHandler(upstream string, cache *Cache, opts ...HandlerOption) (*Handler, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}

	h := &Handler{
		upstream: u,
		cache:    cache,
		client:   &http.Client{Timeout: DefaultUpstreamTimeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "appshell")
	return h, nil
}

// Install pre-caches the shell root and the offline page for the current
// version, then activates it, dropping any older version's cache. Called on
// startup; failure means the offline experience cannot be guaranteed, so it
// is an error rather than a warning.
func (h *Handler) Install(ctx context.Context) error {
	for _, path := range []string{"/", OfflinePath} {
		resp, err := h.fetch(ctx, path)
		if err != nil {
			return fmt.Errorf("installing shell %s: %w", path, err)
		}
		if resp.Status != http.StatusOK {
			return fmt.Errorf("installing shell %s: unexpected status %d", path, resp.Status)
		}
		if err := h.cache.Put(Key(http.MethodGet, h.upstreamURL(path, "")), resp); err != nil {
			return fmt.Errorf("installing shell %s: %w", path, err)
		}
	}

	if err := h.cache.Activate(); err != nil {
		return fmt.Errorf("activating shell version: %w", err)
	}
	h.logger.Info("shell installed", "version", h.cache.Version(), "cached", h.cache.Count())
	return nil
}

// Close waits for in-flight background cache fills.
func (h *Handler) Close() {
	h.wg.Wait()
}

func (h *Handler) upstreamURL(path, rawQuery string) string {
	u := *h.upstream
	u.Path = path
	u.RawQuery = rawQuery
	return u.String()
}

// fetch performs one upstream GET and reads the body, bounded.
func (h *Handler) fetch(ctx context.Context, path string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.upstreamURL(path, ""), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxCachedBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: keepCachedHeaders(resp.Header),
		Body:   body,
	}, nil
}

func keepCachedHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for _, name := range cachedHeaders {
		if vals := src.Values(name); len(vals) > 0 {
			dst[name] = vals
		}
	}
	return dst
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.passThrough(w, r)
		return
	}

	target := h.upstreamURL(r.URL.Path, r.URL.RawQuery)
	key := Key(http.MethodGet, target)

	resp, err := h.proxy(r, target)
	if err == nil {
		h.serve(w, r, resp, "network")
		// HEAD responses carry no body; storing one would overwrite the
		// cached GET copy with an empty page.
		if r.Method == http.MethodGet && resp.Status == http.StatusOK && len(resp.Body) <= MaxCachedBody {
			h.fillCache(key, resp)
		}
		return
	}

	h.logger.Debug("upstream unreachable, trying cache", "path", r.URL.Path, "error", err)

	if cached, ok := h.cache.Get(key); ok {
		h.serve(w, r, cached, "cache")
		return
	}

	if isNavigation(r) {
		offlineKey := Key(http.MethodGet, h.upstreamURL(OfflinePath, ""))
		if offline, ok := h.cache.Get(offlineKey); ok {
			h.serve(w, r, offline, "offline-fallback")
			return
		}
	}

	http.Error(w, "upstream unreachable", http.StatusBadGateway)
}

// proxy forwards the request upstream, preserving the client's headers.
func (h *Handler) proxy(r *http.Request, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Connection")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxCachedBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: keepCachedHeaders(resp.Header),
		Body:   body,
	}, nil
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, resp *Response, source string) {
	for k, vals := range resp.Header {
		w.Header()[k] = vals
	}
	w.Header().Set("X-Shell-Source", source)
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

// fillCache stores the response off the request path; a failed fill costs
// nothing but a future network round trip.
func (h *Handler) fillCache(key string, resp *Response) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.cache.Put(key, resp); err != nil {
			h.logger.Warn("shell cache fill failed", "key", key, "error", err)
		}
	}()
}

// passThrough forwards non-cacheable methods upstream untouched.
func (h *Handler) passThrough(w http.ResponseWriter, r *http.Request) {
	target := h.upstreamURL(r.URL.Path, r.URL.RawQuery)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Connection")

	resp, err := h.client.Do(req)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vals := range resp.Header {
		w.Header()[k] = vals
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// isNavigation reports whether the request looks like a page load rather
// than an asset or API fetch.
func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
