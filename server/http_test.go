package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ministrykeeper/fieldsync/entity"
)

// fakeBackend answers the probe endpoint and echoes entity upserts.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /api/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	backend := fakeBackend(t)
	cfg := Config{
		DataPath:   filepath.Join(t.TempDir(), "fieldsync.db"),
		BackendURL: backend.URL,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.store.Close() })
	return s
}

func (s *Server) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestServer_SyncStatus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Online)
	assert.Zero(t, status.Pending)
	assert.Zero(t, status.DeadLetter)
}

func TestServer_SyncStatusReportsPending(t *testing.T) {
	s := newTestServer(t, nil)

	_, err := s.engine.Enqueue(context.Background(), entity.KindUpsertVisit,
		&entity.Visit{ID: "v1", EstablishmentID: "e1"})
	require.NoError(t, err)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 1, status.Pending)
}

func TestServer_SyncFlushDrainsOutbox(t *testing.T) {
	s := newTestServer(t, nil)

	_, err := s.engine.Enqueue(context.Background(), entity.KindUpsertVisit,
		&entity.Visit{ID: "v1", EstablishmentID: "e1"})
	require.NoError(t, err)

	rec := s.do(httptest.NewRequest(http.MethodPost, "/sync/flush", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 1, result["applied"])
	assert.Zero(t, result["remaining"])
}

func TestServer_SyncFlushUnavailableWhenUnreachable(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		// Probe target that never answers.
		cfg.ProbeURL = "http://127.0.0.1:1/healthz"
		cfg.FailureThreshold = 1
	})

	rec := s.do(httptest.NewRequest(http.MethodPost, "/sync/flush", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ShellMountedAtRoot(t *testing.T) {
	shell := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>shell</html>"))
	}))
	t.Cleanup(shell.Close)

	s := newTestServer(t, func(cfg *Config) {
		cfg.UpstreamOrigin = shell.URL
		cfg.ShellVersion = "v1"
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shell")
	assert.Equal(t, "network", rec.Header().Get("X-Shell-Source"))

	s.shell.Close() // drain the cache fill

	// Shell origin disappears; the cached copy keeps the app alive.
	shell.Close()
	rec = s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Shell-Source"))
}

func TestServer_OptimisticWriteVisibleInStatus(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		// Backend that rejects nothing but cannot be reached.
		cfg.BackendURL = "http://127.0.0.1:1"
		cfg.ProbeURL = "http://127.0.0.1:1/healthz"
	})

	// The monitor's seed says online, so the write is attempted, fails as
	// transient, and lands in the outbox.
	result, err := s.Service().SaveVisit(context.Background(),
		&entity.Visit{EstablishmentID: "e1", Note: "no answer"})
	require.NoError(t, err)
	assert.False(t, result.Confirmed)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 1, status.Pending)
}
