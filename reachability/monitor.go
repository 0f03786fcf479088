package reachability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ministrykeeper/fieldsync/event"
	"github.com/ministrykeeper/fieldsync/telemetry"
)

const (
	// DefaultInterval is how often the monitor probes while running.
	DefaultInterval = 10 * time.Second

	// DefaultFailureThreshold is how many consecutive probe failures are
	// required before the verdict flips to unreachable while the native
	// flag still reports online. A single dropped request must not flap
	// the state.
	DefaultFailureThreshold = 2
)

// Monitor owns the debounced reachability verdict. It seeds from the
// provider's native flag, probes on a timer, treats a native offline signal
// as authoritative, and emits one event per confirmed transition.
type Monitor struct {
	provider Provider
	emitter  *event.Emitter
	logger   *slog.Logger
	now      func() time.Time

	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int

	mu       sync.Mutex
	online   bool
	failures int
	running  bool
	stopped  bool

	stopCh      chan struct{}
	doneCh      chan struct{}
	unsubscribe func()
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.probeTimeout = d
	}
}

// WithFailureThreshold sets how many consecutive probe failures flip the
// verdict while the native flag reports online.
func WithFailureThreshold(n int) MonitorOption {
	return func(m *Monitor) {
		m.failureThreshold = n
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor publishing transitions to the given emitter.
func NewMonitor(provider Provider, emitter *event.Emitter, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider:         provider,
		emitter:          emitter,
		logger:           slog.Default(),
		now:              time.Now,
		interval:         DefaultInterval,
		probeTimeout:     DefaultProbeTimeout,
		failureThreshold: DefaultFailureThreshold,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Seed from the native flag; re-checked by the first probe.
	m.online = provider.IsOnline()
	return m
}

// Online reports the last confirmed verdict.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start begins native-event handling and the probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.unsubscribe = m.provider.Subscribe(m.onNativeChange)

	go m.run(ctx)
	return nil
}

// Stop halts the probe loop and native-event handling.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Confirm the seeded verdict immediately rather than waiting a full tick.
	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// ForceCheck runs one probe immediately, outside the timer. Used on app
// foreground and by the manual flush trigger.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	m.check(ctx)
	return m.Online()
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := m.now()
	err := m.provider.Probe(probeCtx)
	if err == nil {
		telemetry.RecordProbe(ctx, m.now().Sub(start), "success")
		m.recordSuccess(ctx)
		return
	}
	telemetry.RecordProbe(ctx, m.now().Sub(start), probeOutcome(ctx, probeCtx))
	m.recordFailure(ctx, err)
}

// probeOutcome labels a failed probe: canceled when the monitor itself is
// being torn down, timeout when the probe spent its own time budget, failure
// for an answered-but-unhealthy or refused probe.
func probeOutcome(ctx, probeCtx context.Context) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded):
		return "timeout"
	default:
		return "failure"
	}
}

func (m *Monitor) recordSuccess(ctx context.Context) {
	m.mu.Lock()
	m.failures = 0
	changed := !m.online
	m.online = true
	m.mu.Unlock()

	if changed {
		m.logger.Info("became reachable")
		telemetry.RecordReachabilityTransition(ctx, true)
		m.emitter.EmitReachability(event.ReachabilityEvent{Online: true, At: m.now()})
	}
}

func (m *Monitor) recordFailure(ctx context.Context, err error) {
	nativeOffline := !m.provider.IsOnline()

	m.mu.Lock()
	m.failures++
	flip := m.online && (nativeOffline || m.failures >= m.failureThreshold)
	if flip {
		m.online = false
	}
	failures := m.failures
	m.mu.Unlock()

	if flip {
		m.logger.Info("became unreachable", "consecutive_failures", failures, "error", err)
		telemetry.RecordReachabilityTransition(ctx, false)
		m.emitter.EmitReachability(event.ReachabilityEvent{Online: false, At: m.now()})
		return
	}
	m.logger.Debug("probe failed", "consecutive_failures", failures, "error", err)
}

// onNativeChange handles native connectivity transitions. Going offline is
// authoritative and flips the verdict immediately; coming online only primes
// a probe, since an interface being up does not imply the backend answers.
func (m *Monitor) onNativeChange(online bool) {
	if online {
		// check bounds the probe itself; the outer context stays open so a
		// timed-out probe is not mislabeled as canceled.
		m.check(context.Background())
		return
	}

	m.mu.Lock()
	changed := m.online
	m.online = false
	m.failures = 0
	m.mu.Unlock()

	if changed {
		m.logger.Info("became unreachable", "reason", "native offline signal")
		telemetry.RecordReachabilityTransition(context.Background(), false)
		m.emitter.EmitReachability(event.ReachabilityEvent{Online: false, At: m.now()})
	}
}
