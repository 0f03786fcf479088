// Package server provides the local HTTP surface of the sync engine: the
// app shell proxy, the sync status and flush endpoints, health and metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ministrykeeper/fieldsync/appshell"
	"github.com/ministrykeeper/fieldsync/entity"
	"github.com/ministrykeeper/fieldsync/event"
	"github.com/ministrykeeper/fieldsync/reachability"
	"github.com/ministrykeeper/fieldsync/remote"
	"github.com/ministrykeeper/fieldsync/store"
	"github.com/ministrykeeper/fieldsync/syncer"
	"github.com/ministrykeeper/fieldsync/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataPath is the bolt database file for cache, outbox and shell.
	DataPath string

	// BackendURL is the hosted backend API base URL.
	BackendURL string

	// BackendToken is the bearer token for backend authentication (optional).
	BackendToken string

	// ProbeURL is the endpoint probed for reachability. Defaults to
	// BackendURL + "/healthz".
	ProbeURL string

	// ProbeInterval is how often to probe while running.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe attempt.
	ProbeTimeout time.Duration

	// FailureThreshold is how many consecutive probe failures flip the
	// verdict to offline while the native flag still reports online.
	FailureThreshold int

	// UpstreamOrigin is the app shell origin the proxy fronts.
	UpstreamOrigin string

	// ShellVersion names the active shell cache; changing it on deploy
	// drops the previous version's cache.
	ShellVersion string

	// MaxAttempts bounds transient replay retries per mutation.
	// Zero means unlimited.
	MaxAttempts int

	// AuthToken protects the local endpoints when set (optional).
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server wires the engine's components behind one HTTP listener.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store   *store.Bolt
	emitter *event.Emitter
	monitor *reachability.Monitor
	engine  *syncer.Engine
	service *entity.Service
	shell   *appshell.Handler
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataPath == "" {
		cfg.DataPath = "./fieldsync.db"
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.BackendURL + "/healthz"
	}

	st := store.NewBolt(store.WithLogger(cfg.Logger.With("component", "store")))
	if err := st.Open(cfg.DataPath); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	emitter := event.NewEmitter()

	probeClient := &http.Client{Timeout: reachability.DefaultProbeTimeout}
	if cfg.ProbeTimeout > 0 {
		probeClient.Timeout = cfg.ProbeTimeout
	}
	provider := reachability.NewHTTPProvider(cfg.ProbeURL,
		reachability.WithHTTPClient(probeClient))

	monitorOpts := []reachability.MonitorOption{
		reachability.WithLogger(cfg.Logger.With("component", "reachability")),
	}
	if cfg.ProbeInterval > 0 {
		monitorOpts = append(monitorOpts, reachability.WithInterval(cfg.ProbeInterval))
	}
	if cfg.ProbeTimeout > 0 {
		monitorOpts = append(monitorOpts, reachability.WithProbeTimeout(cfg.ProbeTimeout))
	}
	if cfg.FailureThreshold > 0 {
		monitorOpts = append(monitorOpts, reachability.WithFailureThreshold(cfg.FailureThreshold))
	}
	monitor := reachability.NewMonitor(provider, emitter, monitorOpts...)

	engineOpts := []syncer.Option{
		syncer.WithLogger(cfg.Logger.With("component", "syncer")),
	}
	if cfg.MaxAttempts > 0 {
		engineOpts = append(engineOpts, syncer.WithMaxAttempts(cfg.MaxAttempts))
	}
	engine := syncer.New(st, emitter, engineOpts...)

	clientOpts := []remote.ClientOption{
		remote.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "backend"),
			Timeout:   remote.DefaultTimeout,
		}),
	}
	if cfg.BackendToken != "" {
		clientOpts = append(clientOpts, remote.WithBearerToken(cfg.BackendToken))
	}
	client := entity.NewClient(remote.NewClient(cfg.BackendURL, clientOpts...))

	service := entity.NewService(st, engine, monitor.Online, client,
		entity.WithLogger(cfg.Logger))

	var shell *appshell.Handler
	if cfg.UpstreamOrigin != "" {
		shellCache := appshell.NewCache(st.DB(), cfg.ShellVersion,
			appshell.WithCacheLogger(cfg.Logger))
		var err error
		shell, err = appshell.NewHandler(cfg.UpstreamOrigin, shellCache,
			appshell.WithLogger(cfg.Logger),
			appshell.WithHTTPClient(&http.Client{
				Transport: telemetry.NewInstrumentedTransport(nil, "shell"),
				Timeout:   appshell.DefaultUpstreamTimeout,
			}))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating shell handler: %w", err)
		}
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		store:   st,
		emitter: emitter,
		monitor: monitor,
		engine:  engine,
		service: service,
		shell:   shell,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Service returns the entity service backed by this server's components.
func (s *Server) Service() *entity.Service {
	return s.service
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check: the probe target for peers, never cached.
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Sync surface
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)
	mux.HandleFunc("POST /sync/flush", s.handleSyncFlush)

	// Everything else is the app shell proxy.
	if s.shell != nil {
		mux.Handle("/", s.shellHandler())
	}
}

// shellHandler tags shell requests for the logging middleware using the
// source header the proxy sets.
func (s *Server) shellHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetEndpoint(r, "shell")
		s.shell.ServeHTTP(&shellResponseWriter{ResponseWriter: w, r: r}, r)
	})
}

// shellResponseWriter converts the proxy's source header into a request tag.
type shellResponseWriter struct {
	http.ResponseWriter
	r      *http.Request
	tagged bool
}

func (w *shellResponseWriter) WriteHeader(code int) {
	w.tag()
	w.ResponseWriter.WriteHeader(code)
}

func (w *shellResponseWriter) Write(b []byte) (int, error) {
	w.tag()
	return w.ResponseWriter.Write(b)
}

func (w *shellResponseWriter) tag() {
	if w.tagged {
		return
	}
	w.tagged = true
	switch w.Header().Get("X-Shell-Source") {
	case "network":
		telemetry.SetCacheResult(w.r, telemetry.CacheNetwork)
	case "cache":
		telemetry.SetCacheResult(w.r, telemetry.CacheHit)
	case "offline-fallback":
		telemetry.SetCacheResult(w.r, telemetry.CacheFallback)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}

// syncStatus is the JSON shape of GET /sync/status.
type syncStatus struct {
	Online     bool `json:"online"`
	Pending    int  `json:"pending"`
	DeadLetter int  `json:"dead_letter"`
}

// handleSyncStatus reports the engine's current view: reachability verdict,
// outbox depth and dead-letter count.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dead, err := s.store.DeadLetterCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(syncStatus{
		Online:     s.monitor.Online(),
		Pending:    pending,
		DeadLetter: dead,
	})
}

// handleSyncFlush is the app-foreground hook: re-check reachability, then
// flush whatever the outbox holds.
func (s *Server) handleSyncFlush(w http.ResponseWriter, r *http.Request) {
	online := s.monitor.ForceCheck(r.Context())
	if !online {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "backend unreachable"})
		return
	}

	result, err := s.engine.Flush(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"applied":   result.Applied,
		"remaining": result.Remaining,
		"poisoned":  result.Poisoned,
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start begins the monitor, the sync engine, the shell install and the
// HTTP listener. Blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting reachability monitor: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}

	if s.shell != nil {
		// Install is best-effort at startup: the engine may come up offline,
		// in which case any previously activated shell keeps serving.
		if err := s.shell.Install(ctx); err != nil {
			s.logger.Warn("shell install deferred", "error", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and its components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.engine.Stop()
	s.monitor.Stop()
	if s.shell != nil {
		s.shell.Close()
	}
	if closeErr := s.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
