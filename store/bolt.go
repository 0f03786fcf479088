package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ministrykeeper/fieldsync/telemetry"
)

// Bucket names for bbolt storage.
var (
	bucketEntries    = []byte("entries")     // key -> framed envelope
	bucketOutbox     = []byte("outbox")      // 8-byte big-endian seq -> Mutation JSON
	bucketDeadLetter = []byte("dead_letter") // 8-byte big-endian seq -> Mutation JSON
)

// Bolt implements Store using bbolt.
type Bolt struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltOption configures a Bolt instance.
type BoltOption func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// NewBolt creates a new Bolt store with options.
func NewBolt(opts ...BoltOption) *Bolt {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *Bolt) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened store", "path", path, "noSync", b.noSync)
	return nil
}

func (b *Bolt) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketOutbox,
			bucketDeadLetter,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing store")
	return b.db.Close()
}

// DB returns the underlying bbolt database.
// Used by the appshell package to manage its versioned cache buckets directly.
func (b *Bolt) DB() *bbolt.DB {
	return b.db
}

// Get retrieves a cache entry. A corrupted envelope is treated as a miss:
// the entry is deleted and ErrNotFound returned, never an error the caller
// has to handle differently from an absent key.
func (b *Bolt) Get(ctx context.Context, key string) (*Entry, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		raw = make([]byte, len(val))
		copy(raw, val)
		return nil
	})
	if err != nil {
		telemetry.RecordEntryLookup(ctx, "miss")
		return nil, err
	}

	value, storedAt, err := b.codec.Decode(raw)
	if err != nil {
		b.logger.Warn("dropping corrupted cache entry", "key", key, "error", err)
		b.deleteEntry(key)
		telemetry.RecordEntryLookup(ctx, "corrupted")
		return nil, ErrNotFound
	}

	telemetry.RecordEntryLookup(ctx, "hit")
	return &Entry{Key: key, Value: value, StoredAt: storedAt}, nil
}

// Set durably stores value under key, overwriting any prior value.
func (b *Bolt) Set(ctx context.Context, key string, value []byte) error {
	telemetry.RecordEntryWrite(ctx, int64(len(value)))
	framed := b.codec.Encode(value, b.now())
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return fmt.Errorf("entries bucket not found")
		}
		if err := bucket.Put([]byte(key), framed); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return nil
	})
}

// Delete removes the entry if present; no-op if absent.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *Bolt) deleteEntry(key string) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		b.logger.Warn("failed to delete corrupted entry", "key", key, "error", err)
	}
}

// List returns all entry keys with the given prefix.
func (b *Bolt) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// AppendMutation appends a mutation to the outbox and assigns its sequence.
func (b *Bolt) AppendMutation(_ context.Context, m *Mutation) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return fmt.Errorf("outbox bucket not found")
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("assigning sequence: %w", err)
		}
		m.Seq = seq

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}

		if err := bucket.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("putting mutation: %w", err)
		}
		return nil
	})
}

// NextMutations returns up to limit pending mutations in FIFO order.
// A limit of 0 returns all pending mutations.
func (b *Bolt) NextMutations(_ context.Context, limit int) ([]*Mutation, error) {
	var mutations []*Mutation

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(mutations) >= limit {
				break
			}

			var m Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				b.logger.Warn("skipping unreadable outbox record", "seq", binary.BigEndian.Uint64(k), "error", err)
				continue
			}
			mutations = append(mutations, &m)
		}
		return nil
	})
	return mutations, err
}

// UpdateMutation rewrites an outbox record in place (attempt counts, errors).
func (b *Bolt) UpdateMutation(_ context.Context, m *Mutation) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return ErrNotFound
		}

		key := seqKey(m.Seq)
		if bucket.Get(key) == nil {
			return ErrNotFound
		}

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// RemoveMutation deletes a mutation from the outbox after a successful replay.
func (b *Bolt) RemoveMutation(_ context.Context, seq uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		if bucket == nil {
			return nil
		}
		return bucket.Delete(seqKey(seq))
	})
}

// PendingCount returns the number of mutations waiting in the outbox.
func (b *Bolt) PendingCount(_ context.Context) (int, error) {
	return b.countBucket(bucketOutbox)
}

// MoveToDeadLetter atomically moves a mutation from the outbox to the
// dead-letter bucket, recording the rejection reason.
func (b *Bolt) MoveToDeadLetter(_ context.Context, seq uint64, reason string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		outbox := tx.Bucket(bucketOutbox)
		deadLetter := tx.Bucket(bucketDeadLetter)
		if outbox == nil || deadLetter == nil {
			return fmt.Errorf("outbox buckets not found")
		}

		key := seqKey(seq)
		val := outbox.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var m Mutation
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("unmarshaling mutation: %w", err)
		}
		m.LastError = reason

		data, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}

		if err := deadLetter.Put(key, data); err != nil {
			return fmt.Errorf("putting dead letter: %w", err)
		}
		return outbox.Delete(key)
	})
}

// DeadLetters returns all dead-lettered mutations in sequence order.
func (b *Bolt) DeadLetters(_ context.Context) ([]*Mutation, error) {
	var mutations []*Mutation

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeadLetter)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var m Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return nil // Skip invalid entries
			}
			mutations = append(mutations, &m)
			return nil
		})
	})
	return mutations, err
}

// DeadLetterCount returns the number of dead-lettered mutations.
func (b *Bolt) DeadLetterCount(_ context.Context) (int, error) {
	return b.countBucket(bucketDeadLetter)
}

func (b *Bolt) countBucket(name []byte) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(name)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// seqKey encodes a sequence number as a fixed-width big-endian key so bolt's
// byte ordering matches creation order.
func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// Compile-time interface check
var _ Store = (*Bolt)(nil)
