package appshell

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "shell.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// shellOrigin is a minimal upstream: a root page, an offline page, one
// asset, and a POST echo.
func shellOrigin(t *testing.T, version string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>shell " + version + "</html>"))
	})
	mux.HandleFunc("/offline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>you are offline</html>"))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log('" + version + "')"))
	})
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCache_PutGet(t *testing.T) {
	db := newTestDB(t)
	c := NewCache(db, "v1")

	key := Key(http.MethodGet, "http://origin/app.js")
	require.NoError(t, c.Put(key, &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/javascript"}},
		Body:   []byte("console.log(1)"),
	}))

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Equal(t, "application/javascript", got.Header.Get("Content-Type"))
	assert.Equal(t, []byte("console.log(1)"), got.Body)
	assert.False(t, got.CachedAt.IsZero())

	_, ok = c.Get(Key(http.MethodGet, "http://origin/missing"))
	assert.False(t, ok)
}

func TestCache_ActivateDropsOtherVersions(t *testing.T) {
	db := newTestDB(t)

	v1 := NewCache(db, "v1")
	key := Key(http.MethodGet, "http://origin/")
	require.NoError(t, v1.Put(key, &Response{Status: http.StatusOK, Body: []byte("old shell")}))
	require.NoError(t, v1.Activate())
	require.Equal(t, 1, v1.Count())

	v2 := NewCache(db, "v2")
	require.NoError(t, v2.Put(key, &Response{Status: http.StatusOK, Body: []byte("new shell")}))
	require.NoError(t, v2.Activate())

	// The old version's responses are gone; the new version's survive.
	assert.Zero(t, v1.Count())
	_, ok := v1.Get(key)
	assert.False(t, ok)

	got, ok := v2.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("new shell"), got.Body)

	// Re-activating the live version changes nothing.
	require.NoError(t, v2.Activate())
	assert.Equal(t, 1, v2.Count())
}

func TestHandler_NetworkFirstThenCache(t *testing.T) {
	db := newTestDB(t)
	origin := shellOrigin(t, "v1")

	h, err := NewHandler(origin.URL, NewCache(db, "v1"))
	require.NoError(t, err)

	// Reachable: the response comes from upstream and fills the cache.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Shell-Source"))
	assert.Contains(t, rec.Body.String(), "v1")

	h.Close() // drain the background cache fill

	// Origin goes away: the cached copy answers.
	origin.Close()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Shell-Source"))
	assert.Contains(t, rec.Body.String(), "v1")
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
}

func TestHandler_OfflineFallbackForNavigations(t *testing.T) {
	db := newTestDB(t)
	origin := shellOrigin(t, "v1")

	h, err := NewHandler(origin.URL, NewCache(db, "v1"))
	require.NoError(t, err)
	require.NoError(t, h.Install(context.Background()))

	origin.Close()

	// A page load for an uncached route gets the offline page.
	req := httptest.NewRequest(http.MethodGet, "/territory/42", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offline-fallback", rec.Header().Get("X-Shell-Source"))
	assert.Contains(t, rec.Body.String(), "you are offline")

	// An asset fetch for an uncached route fails plainly.
	req = httptest.NewRequest(http.MethodGet, "/vendor.js", nil)
	req.Header.Set("Accept", "*/*")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_InstallPrecachesRootAndOffline(t *testing.T) {
	db := newTestDB(t)
	origin := shellOrigin(t, "v1")

	cache := NewCache(db, "v1")
	h, err := NewHandler(origin.URL, cache)
	require.NoError(t, err)
	require.NoError(t, h.Install(context.Background()))
	assert.Equal(t, 2, cache.Count())

	origin.Close()

	// The root page works offline immediately after install.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shell v1")
}

// Deploying a new shell version drops every trace of the old one.
func TestHandler_UpgradeReplacesOldShell(t *testing.T) {
	db := newTestDB(t)

	originV1 := shellOrigin(t, "v1")
	v1 := NewCache(db, "v1")
	h1, err := NewHandler(originV1.URL, v1)
	require.NoError(t, err)
	require.NoError(t, h1.Install(context.Background()))
	require.Equal(t, 2, v1.Count())

	originV2 := shellOrigin(t, "v2")
	v2 := NewCache(db, "v2")
	h2, err := NewHandler(originV2.URL, v2)
	require.NoError(t, err)
	require.NoError(t, h2.Install(context.Background()))

	assert.Zero(t, v1.Count())
	assert.Equal(t, 2, v2.Count())

	originV2.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h2.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shell v2")
}

func TestHandler_HeadDoesNotOverwriteCachedShell(t *testing.T) {
	db := newTestDB(t)
	origin := shellOrigin(t, "v1")

	cache := NewCache(db, "v1")
	h, err := NewHandler(origin.URL, cache)
	require.NoError(t, err)
	require.NoError(t, h.Install(context.Background()))

	// A health-style HEAD while reachable: served, body empty by protocol.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	h.Close() // drain any background fill
	origin.Close()

	// The installed copy still answers navigations with the full page.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Shell-Source"))
	assert.Contains(t, rec.Body.String(), "shell v1")
}

func TestHandler_PassThroughNonGet(t *testing.T) {
	db := newTestDB(t)
	origin := shellOrigin(t, "v1")

	cache := NewCache(db, "v1")
	h, err := NewHandler(origin.URL, cache)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/echo", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Zero(t, cache.Count())
}

func TestNewHandler_RejectsBadUpstream(t *testing.T) {
	_, err := NewHandler("ftp://example.com", NewCache(newTestDB(t), "v1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported upstream scheme")
}
