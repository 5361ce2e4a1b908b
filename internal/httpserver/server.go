package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrSnakeDoc/terafetch/internal/config"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/mw"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/routes"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// ErrRequestsCancelled is returned by Stop when the deadline passed and in-flight
// requests had to be cancelled. They have all returned by then.
var ErrRequestsCancelled = errors.New("in-flight requests cancelled at shutdown deadline")

// Server wraps the HTTP server and its dependencies.
type Server struct {
	http     *http.Server
	logger   logger.Logger
	started  time.Time
	cancel   context.CancelFunc // aborts in-flight requests and their tool processes
	inflight sync.WaitGroup
	// drainWait bounds the wait for cancelled handlers to return.
	drainWait time.Duration
}

// NewRouter builds the router with global middlewares and every registered route.
// There is no per-request timeout: a fetch may legitimately run for many minutes.
func NewRouter(loggerClient logger.Logger, d deps.Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(mw.Log(loggerClient))
	r.Use(mw.CORS())

	routes.RegisterAll(r, d)
	return r
}

// New builds the HTTP server (router, middlewares, route registration).
func New(cfg *config.Config, loggerClient logger.Logger, d deps.Deps) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:    loggerClient,
		started:   d.StartTime,
		cancel:    cancel,
		drainWait: 10 * time.Second,
	}
	srv.http = &http.Server{
		Addr:              cfg.ListenPort,
		Handler:           srv.track(NewRouter(loggerClient, d)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.TransferTimeout, // covers a whole fetch or file stream
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	return srv
}

// track counts running handlers so Stop can wait for them after cancelling.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infof("HTTP server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	// http.ErrServerClosed is expected on graceful shutdown.
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
//
// Requests still running at the deadline are cancelled, their connections closed,
// and Stop waits for their handlers to return; a fetch handler returns only once its
// tool process is dead. That case yields ErrRequestsCancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down...",
		logger.Duration("uptime", time.Since(s.started)))
	err := s.http.Shutdown(ctx)
	if err == nil {
		s.cancel()
		return nil
	}

	s.logger.Warn("requests still running at deadline, cancelling them", logger.Error(err))
	s.cancel()
	_ = s.http.Close()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return ErrRequestsCancelled
	case <-time.After(s.drainWait):
		return fmt.Errorf("handlers still running %s after cancellation: %w", s.drainWait, err)
	}
}
