// Package syncer owns the pending-mutation outbox: it records writes made
// while the backend is unreachable and replays them, strictly in creation
// order, once reachability is confirmed.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ministrykeeper/fieldsync/event"
	"github.com/ministrykeeper/fieldsync/remote"
	"github.com/ministrykeeper/fieldsync/store"
	"github.com/ministrykeeper/fieldsync/telemetry"
)

// ErrNoHandler is recorded on a mutation whose kind has no registered
// replay handler.
var ErrNoHandler = errors.New("syncer: no replay handler registered")

// ReplayFunc replays one recorded mutation against the backend. Handlers
// must be idempotent: a flush can be interrupted and re-run with the same
// payload, so replays use upsert-by-client-key semantics, keyed on the
// mutation's client-generated ID or the payload's natural key.
type ReplayFunc func(ctx context.Context, m *store.Mutation) error

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Applied is the number of mutations replayed and removed.
	Applied int
	// Remaining is the number of mutations still pending after the pass.
	Remaining int
	// Poisoned is the number of mutations moved to the dead letter during
	// the pass (server rejections, missing handlers, attempt budget spent).
	Poisoned int
	// FirstErr is the transient error that halted the pass, if any.
	FirstErr error
}

// Engine coordinates the outbox. Replay order is the central correctness
// invariant: a flush halts at the first transient failure rather than
// skipping ahead, since later mutations may depend on earlier state.
type Engine struct {
	store       store.Store
	emitter     *event.Emitter
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int

	mu       sync.Mutex
	handlers map[string]ReplayFunc

	// flushMu serializes flush passes; concurrent triggers queue up and the
	// later one finds a drained outbox.
	flushMu sync.Mutex

	online  atomic.Bool
	bo      *backoff.ExponentialBackOff
	kickCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped bool
	cancels []func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMaxAttempts bounds transient retries per mutation; once spent the
// mutation is dead-lettered so the queue cannot stall forever behind it.
// Zero means unlimited.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// New creates an engine over the given store, publishing flush events to the
// emitter and re-flushing on its reachability edges once started.
func New(s store.Store, emitter *event.Emitter, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		emitter:  emitter,
		logger:   slog.Default(),
		now:      time.Now,
		handlers: map[string]ReplayFunc{},
		bo:       backoff.NewExponentialBackOff(),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the replay handler for a mutation kind.
func (e *Engine) Register(kind string, fn ReplayFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = fn
}

// Enqueue appends a mutation to the outbox and returns immediately; it never
// touches the network. The returned mutation carries the client-generated ID
// callers use for optimistic results.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload any) (*store.Mutation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	m := &store.Mutation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   data,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.AppendMutation(ctx, m); err != nil {
		return nil, fmt.Errorf("appending mutation: %w", err)
	}

	e.logger.Debug("enqueued mutation", "id", m.ID, "kind", kind, "seq", m.Seq)
	telemetry.RecordMutationEnqueued(ctx, kind)
	return m, nil
}

// Pending returns the number of mutations waiting in the outbox.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// DeadLetters returns mutations the backend rejected.
func (e *Engine) DeadLetters(ctx context.Context) ([]*store.Mutation, error) {
	return e.store.DeadLetters(ctx)
}

// Start subscribes to reachability edges and begins the retry loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	cancel := e.emitter.SubscribeReachability(func(ev event.ReachabilityEvent) {
		e.online.Store(ev.Online)
		if ev.Online {
			e.resetBackoff()
			e.kick()
		}
	})
	e.mu.Lock()
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	go e.run(ctx)

	// Replay anything left over from a previous session. The monitor emits
	// edges only, so a process that starts already reachable never sees a
	// became-reachable event for the queue it inherited.
	e.kick()
	return nil
}

// Stop halts the retry loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancels := e.cancels
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(e.stopCh)
	<-e.doneCh
}

// Kick requests an opportunistic flush (app foreground, manual trigger).
func (e *Engine) Kick() {
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
}

func (e *Engine) resetBackoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bo = backoff.NewExponentialBackOff()
}

func (e *Engine) nextBackoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bo.NextBackOff()
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	var retryCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.kickCh:
		case <-retryCh:
		}
		retryCh = nil

		result, err := e.Flush(ctx)
		if err != nil {
			e.logger.Error("flush failed", "error", err)
			continue
		}

		switch {
		case result.Remaining == 0:
			e.resetBackoff()
		case e.online.Load():
			// Still reachable but the backend keeps failing: pace retries
			// instead of hammering it. A fresh reachability edge resets the
			// backoff.
			d := e.nextBackoff()
			e.logger.Debug("scheduling flush retry", "after", d, "remaining", result.Remaining)
			retryCh = time.After(d)
		}
	}
}

// Flush replays queued mutations in FIFO order. On a transient failure the
// pass stops so ordering is preserved; on a rejection the mutation is
// dead-lettered and the pass continues, since removing it keeps the relative
// order of everything still queued. One FlushEvent is emitted per pass that
// had work to do.
func (e *Engine) Flush(ctx context.Context) (*FlushResult, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	start := e.now()

	mutations, err := e.store.NextMutations(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	if len(mutations) == 0 {
		return &FlushResult{}, nil
	}

	result := &FlushResult{}
	for _, m := range mutations {
		if err := e.replay(ctx, m, result); err != nil {
			result.FirstErr = err
			break
		}
	}

	remaining, err := e.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting outbox: %w", err)
	}
	result.Remaining = remaining

	e.logger.Info("flush completed",
		"applied", result.Applied,
		"remaining", result.Remaining,
		"poisoned", result.Poisoned,
		"error", result.FirstErr,
	)
	outcome := "clean"
	if result.FirstErr != nil {
		outcome = "halted"
	}
	telemetry.RecordFlush(ctx, result.Applied, result.Poisoned, result.Remaining, e.now().Sub(start), outcome)
	e.emitter.EmitFlush(event.FlushEvent{
		Applied:   result.Applied,
		Remaining: result.Remaining,
		Poisoned:  result.Poisoned,
		Err:       result.FirstErr,
	})
	return result, nil
}

// replay attempts one mutation. A nil return means the pass continues; a
// non-nil return is the transient error that halts it.
func (e *Engine) replay(ctx context.Context, m *store.Mutation, result *FlushResult) error {
	e.mu.Lock()
	handler, ok := e.handlers[m.Kind]
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("dead-lettering mutation with unknown kind", "id", m.ID, "kind", m.Kind)
		if err := e.store.MoveToDeadLetter(ctx, m.Seq, ErrNoHandler.Error()); err != nil {
			return fmt.Errorf("dead-lettering mutation: %w", err)
		}
		result.Poisoned++
		return nil
	}

	err := handler(ctx, m)
	if err == nil {
		if err := e.store.RemoveMutation(ctx, m.Seq); err != nil {
			return fmt.Errorf("removing applied mutation: %w", err)
		}
		result.Applied++
		return nil
	}

	if !remote.IsTransient(err) {
		// Server rejection: retrying the same payload can never succeed.
		e.logger.Warn("dead-lettering rejected mutation", "id", m.ID, "kind", m.Kind, "error", err)
		if dlErr := e.store.MoveToDeadLetter(ctx, m.Seq, err.Error()); dlErr != nil {
			return fmt.Errorf("dead-lettering mutation: %w", dlErr)
		}
		result.Poisoned++
		return nil
	}

	m.Attempts++
	m.LastError = err.Error()

	if e.maxAttempts > 0 && m.Attempts >= e.maxAttempts {
		e.logger.Warn("dead-lettering mutation after attempt budget",
			"id", m.ID, "kind", m.Kind, "attempts", m.Attempts, "error", err)
		if dlErr := e.store.MoveToDeadLetter(ctx, m.Seq, fmt.Sprintf("gave up after %d attempts: %s", m.Attempts, err)); dlErr != nil {
			return fmt.Errorf("dead-lettering mutation: %w", dlErr)
		}
		result.Poisoned++
		return nil
	}

	if updateErr := e.store.UpdateMutation(ctx, m); updateErr != nil {
		e.logger.Error("failed to record attempt", "id", m.ID, "error", updateErr)
	}
	return err
}
