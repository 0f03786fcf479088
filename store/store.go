// Package store provides durable local storage for the sync engine: a
// key-value cache for server data, the pending-mutation outbox, and the
// dead-letter bucket for mutations the server has rejected.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("store: not found")

// Entry is a cached value together with the time it was written.
// Staleness is caller-managed; entries never expire on their own.
type Entry struct {
	Key      string
	Value    []byte
	StoredAt time.Time
}

// Mutation is a pending write recorded while the backend was unreachable.
// Seq is assigned on append and orders the outbox; ID is the client-generated
// identifier replay handlers use for upsert-by-natural-key semantics.
type Mutation struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Store is the durable storage shared by the cache accessors and the syncer.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Key-value cache
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// Outbox
	AppendMutation(ctx context.Context, m *Mutation) error
	NextMutations(ctx context.Context, limit int) ([]*Mutation, error)
	UpdateMutation(ctx context.Context, m *Mutation) error
	RemoveMutation(ctx context.Context, seq uint64) error
	PendingCount(ctx context.Context) (int, error)

	// Dead letter
	MoveToDeadLetter(ctx context.Context, seq uint64, reason string) error
	DeadLetters(ctx context.Context) ([]*Mutation, error)
	DeadLetterCount(ctx context.Context) (int, error)
}

// New creates a new Store backed by bbolt.
func New() Store {
	return NewBolt()
}
