package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestBolt(t *testing.T, opts ...BoltOption) *Bolt {
	t.Helper()
	b := NewBolt(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, b.Open(dbPath))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBolt_EntryOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Set and Get round-trip", func(t *testing.T) {
		b := newTestBolt(t)

		key := "profile:abc123"
		value := []byte(`{"id":"abc123","display_name":"Sam"}`)

		require.NoError(t, b.Set(ctx, key, value))

		entry, err := b.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, value, entry.Value)
		assert.Equal(t, key, entry.Key)
		assert.False(t, entry.StoredAt.IsZero())
	})

	t.Run("Get returns ErrNotFound for missing key", func(t *testing.T) {
		b := newTestBolt(t)

		_, err := b.Get(ctx, "never-written")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Set overwrites prior value", func(t *testing.T) {
		b := newTestBolt(t)

		key := "establishment:e1"
		require.NoError(t, b.Set(ctx, key, []byte(`{"status":"open"}`)))
		require.NoError(t, b.Set(ctx, key, []byte(`{"status":"closed"}`)))

		entry, err := b.Get(ctx, key)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"closed"}`, string(entry.Value))
	})

	t.Run("Delete removes entry and is a no-op when absent", func(t *testing.T) {
		b := newTestBolt(t)

		key := "congregation:c1"
		require.NoError(t, b.Set(ctx, key, []byte(`{}`)))
		require.NoError(t, b.Delete(ctx, key))

		_, err := b.Get(ctx, key)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.Delete(ctx, key))
	})

	t.Run("StoredAt uses injected clock", func(t *testing.T) {
		fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		b := newTestBolt(t, WithNow(func() time.Time { return fixed }))

		require.NoError(t, b.Set(ctx, "k", []byte("v")))

		entry, err := b.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, fixed.UnixMilli(), entry.StoredAt.UnixMilli())
	})

	t.Run("large value survives compression round-trip", func(t *testing.T) {
		b := newTestBolt(t)

		// Repetitive payload well above CompressionThreshold.
		value := make([]byte, 64*1024)
		for i := range value {
			value[i] = byte('a' + i%4)
		}

		require.NoError(t, b.Set(ctx, "big", value))

		entry, err := b.Get(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, value, entry.Value)
	})

	t.Run("List returns keys with prefix", func(t *testing.T) {
		b := newTestBolt(t)

		require.NoError(t, b.Set(ctx, "visit:v1", []byte("1")))
		require.NoError(t, b.Set(ctx, "visit:v2", []byte("2")))
		require.NoError(t, b.Set(ctx, "profile:p1", []byte("3")))

		keys, err := b.List(ctx, "visit:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"visit:v1", "visit:v2"}, keys)
	})

	t.Run("corrupted entry reads as a miss and is dropped", func(t *testing.T) {
		b := newTestBolt(t)

		require.NoError(t, b.Set(ctx, "k", []byte(`{"a":1}`)))

		// Flip payload bytes behind the codec's back.
		require.NoError(t, b.DB().Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket(bucketEntries)
			raw := bucket.Get([]byte("k"))
			mangled := make([]byte, len(raw))
			copy(mangled, raw)
			mangled[len(mangled)-1] ^= 0xFF
			return bucket.Put([]byte("k"), mangled)
		}))

		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)

		// Entry was removed, not left to fail on every read.
		require.NoError(t, b.DB().View(func(tx *bbolt.Tx) error {
			assert.Nil(t, tx.Bucket(bucketEntries).Get([]byte("k")))
			return nil
		}))
	})
}

func TestBolt_OutboxOperations(t *testing.T) {
	ctx := context.Background()

	newMutation := func(kind string) *Mutation {
		return &Mutation{
			ID:        kind + "-id",
			Kind:      kind,
			Payload:   json.RawMessage(`{"x":1}`),
			CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("AppendMutation assigns increasing sequences", func(t *testing.T) {
		b := newTestBolt(t)

		m1 := newMutation("upsert-establishment")
		m2 := newMutation("upsert-householder")
		require.NoError(t, b.AppendMutation(ctx, m1))
		require.NoError(t, b.AppendMutation(ctx, m2))

		assert.Greater(t, m2.Seq, m1.Seq)
	})

	t.Run("NextMutations returns FIFO order", func(t *testing.T) {
		b := newTestBolt(t)

		kinds := []string{"upsert-establishment", "upsert-householder", "upsert-visit"}
		for _, k := range kinds {
			require.NoError(t, b.AppendMutation(ctx, newMutation(k)))
		}

		got, err := b.NextMutations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, k := range kinds {
			assert.Equal(t, k, got[i].Kind)
		}

		limited, err := b.NextMutations(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("RemoveMutation deletes a single record", func(t *testing.T) {
		b := newTestBolt(t)

		m1 := newMutation("upsert-visit")
		m2 := newMutation("upsert-visit")
		require.NoError(t, b.AppendMutation(ctx, m1))
		require.NoError(t, b.AppendMutation(ctx, m2))

		require.NoError(t, b.RemoveMutation(ctx, m1.Seq))

		got, err := b.NextMutations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, m2.Seq, got[0].Seq)
	})

	t.Run("UpdateMutation persists attempt counts", func(t *testing.T) {
		b := newTestBolt(t)

		m := newMutation("upsert-establishment")
		require.NoError(t, b.AppendMutation(ctx, m))

		m.Attempts = 3
		m.LastError = "upstream timeout"
		require.NoError(t, b.UpdateMutation(ctx, m))

		got, err := b.NextMutations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 3, got[0].Attempts)
		assert.Equal(t, "upstream timeout", got[0].LastError)
	})

	t.Run("UpdateMutation on removed record returns ErrNotFound", func(t *testing.T) {
		b := newTestBolt(t)

		m := newMutation("upsert-visit")
		require.NoError(t, b.AppendMutation(ctx, m))
		require.NoError(t, b.RemoveMutation(ctx, m.Seq))

		require.ErrorIs(t, b.UpdateMutation(ctx, m), ErrNotFound)
	})

	t.Run("MoveToDeadLetter takes the record out of the FIFO path", func(t *testing.T) {
		b := newTestBolt(t)

		m1 := newMutation("upsert-establishment")
		m2 := newMutation("upsert-householder")
		require.NoError(t, b.AppendMutation(ctx, m1))
		require.NoError(t, b.AppendMutation(ctx, m2))

		require.NoError(t, b.MoveToDeadLetter(ctx, m1.Seq, "validation failed"))

		pending, err := b.NextMutations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, m2.Seq, pending[0].Seq)

		dead, err := b.DeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, m1.Seq, dead[0].Seq)
		assert.Equal(t, "validation failed", dead[0].LastError)

		count, err := b.DeadLetterCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("PendingCount tracks the outbox", func(t *testing.T) {
		b := newTestBolt(t)

		count, err := b.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)

		require.NoError(t, b.AppendMutation(ctx, newMutation("upsert-visit")))

		count, err = b.PendingCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("outbox survives reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		b := NewBolt()
		require.NoError(t, b.Open(dbPath))
		require.NoError(t, b.AppendMutation(ctx, newMutation("upsert-establishment")))
		require.NoError(t, b.Close())

		reopened := NewBolt()
		require.NoError(t, reopened.Open(dbPath))
		t.Cleanup(func() { _ = reopened.Close() })

		got, err := reopened.NextMutations(ctx, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "upsert-establishment", got[0].Kind)
	})
}

func TestGetSetJSON(t *testing.T) {
	ctx := context.Background()

	type profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	t.Run("round-trip", func(t *testing.T) {
		b := newTestBolt(t)

		want := &profile{ID: "p1", Name: "Sam"}
		require.NoError(t, SetJSON(ctx, b, "profile:p1", want))

		got, ok, err := GetJSON[profile](ctx, b, "profile:p1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("missing key is not an error", func(t *testing.T) {
		b := newTestBolt(t)

		got, ok, err := GetJSON[profile](ctx, b, "profile:none")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})
}
