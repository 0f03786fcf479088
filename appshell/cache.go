// Package appshell keeps the application's UI shell available offline. It
// fronts the shell origin with a network-first reverse proxy, stores
// responses in a versioned cache bucket, and serves the cached copy (or a
// dedicated offline page for navigations) when the origin cannot be reached.
package appshell

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"
)

const bucketPrefix = "shell:"

// Response is a cached upstream response. Only the headers that matter for
// replaying the response are kept.
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	CachedAt time.Time   `json:"cached_at"`
}

// Cache stores shell responses in one bolt bucket per shell version.
// Activating a version removes every other version's bucket, so a deploy
// never serves a mix of old and new assets.
type Cache struct {
	db      *bbolt.DB
	version string
	logger  *slog.Logger
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheNow sets the time function for testing.
func WithCacheNow(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates a cache for the given shell version over an open bolt
// database (shared with the entry store).
func NewCache(db *bbolt.DB, version string, opts ...CacheOption) *Cache {
	c := &Cache{
		db:      db,
		version: version,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the shell version this cache serves.
func (c *Cache) Version() string {
	return c.version
}

func (c *Cache) bucketName() []byte {
	return []byte(bucketPrefix + c.version)
}

// Key derives the cache key for a request. Method and full URL participate,
// so /?lang=es and /?lang=en cache separately.
func Key(method, url string) string {
	sum := blake3.Sum256([]byte(method + " " + url))
	return hex.EncodeToString(sum[:])
}

// Put stores a response under key in this version's bucket.
func (c *Cache) Put(key string, resp *Response) error {
	resp.CachedAt = c.now().UTC()
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling cached response: %w", err)
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(c.bucketName())
		if err != nil {
			return fmt.Errorf("creating shell bucket: %w", err)
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting shell response: %w", err)
		}
		return nil
	})
}

// Get returns the cached response for key, or ok=false when absent. An
// unreadable record counts as absent.
func (c *Cache) Get(key string) (*Response, bool) {
	var raw []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(c.bucketName())
		if bucket == nil {
			return nil
		}
		if val := bucket.Get([]byte(key)); val != nil {
			raw = make([]byte, len(val))
			copy(raw, val)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, false
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("dropping unreadable shell response", "key", key, "error", err)
		return nil, false
	}
	return &resp, true
}

// Activate removes every shell bucket belonging to a different version.
// Safe to call repeatedly; activating the already-active version is a no-op.
func (c *Cache) Activate() error {
	current := c.bucketName()
	return c.db.Update(func(tx *bbolt.Tx) error {
		var stale [][]byte
		err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(bucketPrefix)) && !bytes.Equal(name, current) {
				stale = append(stale, append([]byte{}, name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range stale {
			c.logger.Info("removing stale shell cache", "bucket", string(name), "active", c.version)
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting stale shell bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Count returns the number of responses cached for this version.
func (c *Cache) Count() int {
	var n int
	_ = c.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(c.bucketName()); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n
}
