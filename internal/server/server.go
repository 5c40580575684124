// Package server implements the rdmaperf daemon: a control listener that
// serves one test request at a time, plus an optional HTTP endpoint for
// Prometheus metrics and health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmaperf/internal/bench"
	"github.com/piwi3910/rdmaperf/internal/health"
	"github.com/piwi3910/rdmaperf/internal/metrics"
	"github.com/piwi3910/rdmaperf/internal/shutdown"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Config holds the daemon settings.
type Config struct {
	// Port is the control port; 0 picks a free one.
	Port int

	// MetricsEnabled starts the HTTP endpoint on MetricsPort.
	MetricsEnabled bool
	MetricsPort    int

	NodeID      string
	BackendName string

	// Timeout bounds control messages until a request sets its own.
	Timeout time.Duration

	Shutdown shutdown.Config
}

// Server is the rdmaperf daemon.
type Server struct {
	cfg     Config
	backend rdma.VerbsBackend
	log     zerolog.Logger

	listener        net.Listener
	metricsListener net.Listener
	metricsServer   *http.Server
	coordinator     *shutdown.Coordinator
	checker         *health.Checker

	// runs is cancelled once draining gave up on the running test
	runs       context.Context
	cancelRuns context.CancelFunc

	accepting atomic.Bool
	inFlight  atomic.Int64
	mu        sync.Mutex
	running   string

	quit     chan struct{}
	quitOnce sync.Once
}

// New binds the control listener (and the metrics listener when enabled)
// and returns a server ready to Start. The backend is owned by the server
// and closed on shutdown.
func New(cfg Config, backend rdma.VerbsBackend, log zerolog.Logger) (*Server, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = bench.DefaultTimeout
	}

	if cfg.Shutdown.TotalTimeout <= 0 {
		cfg.Shutdown = shutdown.DefaultConfig()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control port %d: %w", cfg.Port, err)
	}

	s := &Server{
		cfg:         cfg,
		backend:     backend,
		log:         log,
		listener:    ln,
		coordinator: shutdown.NewCoordinator(cfg.Shutdown),
		quit:        make(chan struct{}),
	}
	s.accepting.Store(true)
	s.runs, s.cancelRuns = context.WithCancel(context.Background())
	s.checker = health.NewChecker(backend, s)

	if cfg.MetricsEnabled {
		mln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.MetricsPort)))
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("failed to listen on metrics port %d: %w", cfg.MetricsPort, err)
		}

		s.metricsListener = mln
		s.setupMetricsServer()
	}

	metrics.Init(cfg.NodeID, cfg.BackendName)

	return s, nil
}

func (s *Server) setupMetricsServer() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	healthHandler := health.NewHandler(s.checker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)
	r.Get("/health/detailed", healthHandler.DetailedHandler)

	r.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// Addr returns the control listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// MetricsAddr returns the metrics listener address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}

	return s.metricsListener.Addr()
}

// Accepting reports whether the control listener is open.
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// RunningTest names the test being served, or "" when idle.
func (s *Server) RunningTest() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// InFlightCount returns the number of tests being served.
func (s *Server) InFlightCount() int64 {
	return s.inFlight.Load()
}

// WaitForDrain waits until no test is being served.
func (s *Server) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.InFlightCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// Start serves requests until ctx is cancelled or a client sends quit,
// then shuts the daemon down.
func (s *Server) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info().Str("addr", s.Addr().String()).Msg("Accepting control connections")
		return s.acceptLoop()
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			s.log.Info().Str("addr", s.MetricsAddr().String()).Msg("Prometheus metrics available at /metrics")

			err := s.metricsServer.Serve(s.metricsListener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.quit:
		}

		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.log.Info().Msg("Shutting down daemon")

	s.accepting.Store(false)

	// A test still running after the drain phase is cancelled.
	s.coordinator.RegisterHook(shutdown.PhaseHTTPServers, func(context.Context) error {
		s.cancelRuns()
		return nil
	})

	components := shutdown.Components{
		Listener:        s.listener,
		InFlightTracker: s,
		Backend:         s.backend,
	}

	if s.metricsServer != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{&namedServer{name: "metrics", Server: s.metricsServer}}
	}

	return s.coordinator.Shutdown(context.Background(), components)
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.accepting.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accept failed: %w", err)
		}

		s.serve(conn)
	}
}

func (s *Server) serve(nc net.Conn) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	conn := control.NewConn(nc, s.cfg.Timeout, s.log)

	defer func() {
		s.setRunning("")

		err := conn.Close()
		if err != nil {
			s.log.Debug().Err(err).Msg("Failed to close control connection")
		}
	}()

	err := bench.Serve(s.runs, conn, s.backend, s.log, func(t *bench.Test) {
		s.setRunning(t.Name)
	})

	switch {
	case errors.Is(err, bench.ErrQuit):
		s.quitOnce.Do(func() { close(s.quit) })
	case err != nil:
		s.log.Warn().Err(err).Str("peer", nc.RemoteAddr().String()).Msg("Request failed")
	}
}

func (s *Server) setRunning(name string) {
	s.mu.Lock()
	s.running = name
	s.mu.Unlock()
}

type namedServer struct {
	name string
	*http.Server
}

func (n *namedServer) Name() string {
	return n.name
}
