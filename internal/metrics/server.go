package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nleite/jackrabbit-oak/internal/logging"
)

// ServerOptions configures a metrics Server.
type ServerOptions struct {
	// Gatherer supplies the exposed metrics. Defaults to the Prometheus
	// default gatherer.
	Gatherer prometheus.Gatherer
	// Registerer, when set, receives the scrape counters of the handler
	// itself (promhttp_metric_handler_*).
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Server exposes a node's Prometheus metrics on /metrics, either on its own
// listener or through Handler mounted on another router.
type Server struct {
	addr   string
	opts   ServerOptions
	logger *logging.Logger

	handlerOnce sync.Once
	handler     http.Handler

	mu        sync.RWMutex
	boundAddr string
	server    *http.Server
}

// NewServer creates a metrics server for addr. It does not listen until
// Start.
func NewServer(addr string, opts ServerOptions) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Server{addr: addr, opts: opts, logger: logger.WithComponent("metrics")}
}

// Handler returns the scrape handler. Gathering errors are reported in the
// response while the metrics that could be collected are still served.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		h := promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{
			ErrorHandling:     promhttp.ContinueOnError,
			EnableOpenMetrics: true,
		})
		if s.opts.Registerer != nil {
			h = promhttp.InstrumentMetricHandler(s.opts.Registerer, h)
		}
		s.handler = h
	})
	return s.handler
}

// Start listens on the configured address and serves /metrics in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.server = srv
	s.mu.Unlock()

	s.logger.Infof("metrics server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("metrics server stopped", map[string]any{"error": err.Error()})
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

// Close stops the listener, if any.
func (s *Server) Close() error {
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
