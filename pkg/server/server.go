// Package server exposes the HTTP surface: the signed webhook intake, health
// probes and token-guarded admin operations.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taniahq/tania/pkg/knowledge"
	"github.com/taniahq/tania/pkg/llm"
	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/queue"
	"github.com/taniahq/tania/pkg/types/chat"
)

// Enqueuer hands webhook jobs to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job chat.Job) error
	Mode() queue.Mode
}

// Snapshots exposes the knowledge registry to health and admin handlers.
type Snapshots interface {
	Snapshot() *knowledge.Snapshot
	Refresh(ctx context.Context) error
}

// Models exposes the model knowledge registry.
type Models interface {
	Knowledge() []llm.ModelKnowledge
	LoadKnowledge(ctx context.Context) error
}

// Prober probes a model's parameter capabilities.
type Prober interface {
	Probe(ctx context.Context, model string) (llm.Capabilities, error)
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options configure the HTTP server.
type Options struct {
	Host         string
	Port         int
	SharedSecret string // empty disables webhook signature checks (dev only)
	AdminToken   string // empty disables the admin surface
	MaxSkew      time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = 8080
	}
	if o.MaxSkew <= 0 {
		o.MaxSkew = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Server is the HTTP front of the service.
type Server struct {
	router    *mux.Router
	queue     Enqueuer
	snapshots Snapshots
	models    Models
	prober    Prober
	db        Pinger
	opts      Options
	http      *http.Server
}

// New wires the server. Any dependency may be nil; the matching endpoints
// then report unavailable instead of panicking.
func New(q Enqueuer, snapshots Snapshots, models Models, prober Prober, db Pinger, opts Options) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		queue:     q,
		snapshots: snapshots,
		models:    models,
		prober:    prober,
		db:        db,
		opts:      opts.withDefaults(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/chat/webhook", s.handleWebhook).Methods("POST")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/health/vector", s.handleVectorHealth).Methods("GET")
	s.router.HandleFunc("/health/models", s.handleModelHealth).Methods("GET")

	s.router.Handle("/internal/config/refresh", s.adminOnly(s.handleConfigRefresh)).Methods("POST")
	s.router.Handle("/admin/models/probe/{model}", s.adminOnly(s.handleModelProbe)).Methods("POST")
	s.router.Handle("/admin/models/sync", s.adminOnly(s.handleModelSync)).Methods("POST")

	s.router.Use(s.loggingMiddleware)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.G(ctx).WithField("addr", addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.statusCode,
			"duration": time.Since(start),
		}).Debug("http request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
