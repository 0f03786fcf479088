// Package accessor implements the cache-aware read/write pattern every
// entity uses: reads prefer the network and refresh the cache, falling back
// to cached (possibly stale) data; writes go through when reachable and are
// queued in the outbox when not.
package accessor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ministrykeeper/fieldsync/remote"
	"github.com/ministrykeeper/fieldsync/store"
	"github.com/ministrykeeper/fieldsync/syncer"
)

// Result is the outcome of an upsert. A write applied by the backend is
// Confirmed and carries the server's canonical record; a write recorded
// while unreachable is optimistic, carries the local record, and names the
// pending mutation so callers can correlate it with a later flush.
type Result[T any] struct {
	Record     *T
	Confirmed  bool
	MutationID string
}

// FetchFunc reads one record from the backend.
type FetchFunc[T any] func(ctx context.Context) (*T, error)

// PushFunc writes one record to the backend and returns the canonical result.
type PushFunc[T any] func(ctx context.Context) (*T, error)

// Reader reads records cache-first-then-refresh for one entity type.
type Reader[T any] struct {
	store  store.Store
	online func() bool
	logger *slog.Logger
}

// NewReader creates a reader over the store; online reports the monitor's
// current verdict.
func NewReader[T any](s store.Store, online func() bool, logger *slog.Logger) *Reader[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader[T]{store: s, online: online, logger: logger}
}

// Get returns the record for key. Reachable: fetch from the backend and
// refresh the cache. Unreachable, or fetch failed: serve the cached value,
// stale or not. Never returns an error for "offline with nothing cached" —
// that is (nil, nil), an empty state for the UI, not a failure.
func (r *Reader[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (*T, error) {
	if r.online() {
		v, err := fetch(ctx)
		switch {
		case err == nil:
			// Cache refresh is best-effort: a full disk degrades this key to
			// network-only behavior, it doesn't fail the read.
			if cacheErr := store.SetJSON(ctx, r.store, key, v); cacheErr != nil {
				r.logger.Warn("cache refresh failed", "key", key, "error", cacheErr)
			}
			return v, nil
		case remote.IsNotFound(err):
			// The record is gone server-side; drop any stale copy.
			if cacheErr := r.store.Delete(ctx, key); cacheErr != nil {
				r.logger.Warn("cache invalidation failed", "key", key, "error", cacheErr)
			}
			return nil, nil
		default:
			r.logger.Debug("fetch failed, falling back to cache", "key", key, "error", err)
		}
	}

	cached, ok, err := store.GetJSON[T](ctx, r.store, key)
	if err != nil {
		r.logger.Warn("cache read failed", "key", key, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	return cached, nil
}

// Writer writes records for one entity type, routing through the outbox
// when the backend cannot be reached.
type Writer[T any] struct {
	store  store.Store
	engine *syncer.Engine
	online func() bool
	kind   string
	logger *slog.Logger
}

// NewWriter creates a writer enqueueing under the given mutation kind.
func NewWriter[T any](s store.Store, engine *syncer.Engine, online func() bool, kind string, logger *slog.Logger) *Writer[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer[T]{store: s, engine: engine, online: online, kind: kind, logger: logger}
}

// Upsert writes payload. Reachable: push directly and return the confirmed
// server record. Unreachable or transient failure: enqueue for replay and
// return an optimistic result built from the payload so the UI proceeds
// without blocking. Server rejections are returned as errors and nothing is
// enqueued — retrying the same payload cannot help.
func (w *Writer[T]) Upsert(ctx context.Context, key string, payload *T, push PushFunc[T]) (*Result[T], error) {
	if w.online() {
		confirmed, err := push(ctx)
		switch {
		case err == nil:
			if cacheErr := store.SetJSON(ctx, w.store, key, confirmed); cacheErr != nil {
				w.logger.Warn("cache refresh failed", "key", key, "error", cacheErr)
			}
			return &Result[T]{Record: confirmed, Confirmed: true}, nil
		case remote.IsTransient(err):
			w.logger.Debug("push failed, queueing for replay", "key", key, "kind", w.kind, "error", err)
		default:
			return nil, fmt.Errorf("upserting %s: %w", key, err)
		}
	}

	m, err := w.engine.Enqueue(ctx, w.kind, payload)
	if err != nil {
		return nil, fmt.Errorf("queueing %s: %w", key, err)
	}

	// Cache the optimistic record so reads reflect the local write until the
	// flush replaces it with the server's canonical version.
	if cacheErr := store.SetJSON(ctx, w.store, key, payload); cacheErr != nil {
		w.logger.Warn("optimistic cache write failed", "key", key, "error", cacheErr)
	}

	return &Result[T]{Record: payload, MutationID: m.ID}, nil
}
