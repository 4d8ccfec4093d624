// Package admin serves the operational HTTP API of a node store: health
// probes, checkpoint management, version garbage collection, read access to
// nodes and the Prometheus metrics endpoint.
package admin

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nleite/jackrabbit-oak/internal/checkpoint"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/gc"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// CorrelationIDHeader carries the request correlation id.
const CorrelationIDHeader = "X-Correlation-ID"

// NodeStore is the part of a node store the admin API uses.
type NodeStore interface {
	Head() revision.Revision
	GetNode(ctx context.Context, path string, rev revision.Revision) (*document.Node, error)
	GetChildren(ctx context.Context, path string, rev revision.Revision) ([]*document.Node, error)
	GetNodeAtCheckpoint(ctx context.Context, path string, cp revision.Revision) (*document.Node, error)

	Checkpoint(ctx context.Context, lifetime time.Duration, info map[string]string) (revision.Revision, error)
	Release(ctx context.Context, rev revision.Revision) (bool, error)
	Retrieve(ctx context.Context, rev revision.Revision) (checkpoint.Checkpoint, error)
	Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error)

	VersionGarbageCollector() *gc.Collector
}

// Server is the admin HTTP server.
type Server struct {
	addr    string
	store   NodeStore
	health  *Health
	metrics http.Handler
	logger  *logging.Logger

	mu        sync.RWMutex
	server    *http.Server
	boundAddr string
}

// NewServer creates an admin server for store. metricsHandler is mounted on
// /metrics when non-nil.
func NewServer(addr string, store NodeStore, health *Health, metricsHandler http.Handler, logger *logging.Logger) *Server {
	if health == nil {
		health = NewHealth()
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Server{
		addr:    addr,
		store:   store,
		health:  health,
		metrics: metricsHandler,
		logger:  logger.WithComponent("admin"),
	}
}

// Health returns the server's health probes.
func (s *Server) Health() *Health {
	return s.health
}

// Handler returns the router serving every admin endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)

	r.Get("/healthz", s.health.handleHealthz)
	r.Head("/healthz", s.health.handleHealthz)
	r.Get("/readyz", s.health.handleReadyz)
	r.Head("/readyz", s.health.handleReadyz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Mount("/debug", middleware.Profiler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/head", s.handleHead)
		r.Get("/nodes", s.handleGetNode)
		r.Get("/nodes/*", s.handleGetNode)

		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Post("/checkpoints", s.handleCreateCheckpoint)
		r.Get("/checkpoints/{rev}", s.handleGetCheckpoint)
		r.Delete("/checkpoints/{rev}", s.handleReleaseCheckpoint)

		r.Get("/gc", s.handleGCStatus)
		r.Post("/gc", s.handleRunGC)
		r.Put("/gc/max-revision-age", s.handleSetMaxRevisionAge)
	})
	return r
}

// correlate tags each request with a correlation id, taken from the request
// header when present.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationIDHeader, id)
		ctx := logging.WithCorrelationIDCtx(r.Context(), id)
		ctx = logging.WithLoggerCtx(ctx, logging.ContextLogger(ctx, s.logger))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start begins serving in the background.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// Synchronous collections can take a while.
		WriteTimeout: 5 * time.Minute,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.logger.Infof("admin server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("admin server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close marks the server as shutting down and stops it.
func (s *Server) Close() error {
	s.health.SetShuttingDown()
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
