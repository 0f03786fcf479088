// Package reachability decides whether the backend is actually responding,
// as distinct from the device merely having a network interface. A debounced
// monitor combines the platform's native connectivity signal with periodic
// active probes against a lightweight endpoint.
package reachability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultProbeTimeout bounds a single probe so a hung request cannot
	// delay the reachability verdict.
	DefaultProbeTimeout = 3 * time.Second
)

// Provider abstracts the platform's connectivity surface: the native
// online/offline flag, native transition events, and an active probe that
// confirms the backend is reachable. Tests substitute a fake.
type Provider interface {
	// IsOnline reports the platform's native connectivity flag. This says
	// "an interface is up", not "the backend answers".
	IsOnline() bool

	// Subscribe registers fn for native connectivity transitions and
	// returns a cancel function.
	Subscribe(fn func(online bool)) (cancel func())

	// Probe performs one active reachability check. Any error means "not
	// reachable right now"; errors are never propagated past the monitor.
	Probe(ctx context.Context) error
}

// HTTPProvider probes a reachability endpoint over HTTP. The native flag
// defaults to online; embedders with a platform interface signal feed it in
// through SetNativeOnline.
type HTTPProvider struct {
	probeURL string
	client   *http.Client
	now      func() time.Time

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

// HTTPProviderOption configures an HTTPProvider.
type HTTPProviderOption func(*HTTPProvider)

// WithHTTPClient sets a custom HTTP client for probes.
func WithHTTPClient(client *http.Client) HTTPProviderOption {
	return func(p *HTTPProvider) {
		p.client = client
	}
}

// WithProviderNow sets the time function for testing.
func WithProviderNow(now func() time.Time) HTTPProviderOption {
	return func(p *HTTPProvider) {
		p.now = now
	}
}

// NewHTTPProvider creates a provider probing the given URL.
func NewHTTPProvider(probeURL string, opts ...HTTPProviderOption) *HTTPProvider {
	p := &HTTPProvider{
		probeURL: probeURL,
		client: &http.Client{
			Timeout: DefaultProbeTimeout,
		},
		now:    time.Now,
		online: true,
		subs:   map[int]func(online bool){},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsOnline reports the last native connectivity flag fed to the provider.
func (p *HTTPProvider) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetNativeOnline records a native connectivity transition and notifies
// subscribers. Platform bindings call this when the interface state changes.
func (p *HTTPProvider) SetNativeOnline(online bool) {
	p.mu.Lock()
	if p.online == online {
		p.mu.Unlock()
		return
	}
	p.online = online
	subs := make([]func(bool), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for native transitions.
func (p *HTTPProvider) Subscribe(fn func(online bool)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

// Probe issues a cache-busting GET against the probe endpoint. A 2xx status
// counts as reachable; anything else is a probe failure.
func (p *HTTPProvider) Probe(ctx context.Context) error {
	url := fmt.Sprintf("%s?t=%d", p.probeURL, p.now().UnixNano())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

// Compile-time interface check
var _ Provider = (*HTTPProvider)(nil)
