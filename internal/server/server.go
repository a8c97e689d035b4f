// Package server exposes the battle engine over HTTP with SSE
// streaming. It is a thin transport: all battle mutation goes through
// the controller and vote processor, never directly against the store.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"modelarena/internal/arena"
)

// Server is the arenad HTTP surface.
type Server struct {
	ctrl   *arena.Controller
	votes  *arena.VoteProcessor
	store  arena.Store
	logger *zap.Logger
	router *mux.Router

	sweepInterval   time.Duration
	shutdownTimeout time.Duration
}

// Options configures the server.
type Options struct {
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
}

// New wires the router. The store must be non-degraded unless the
// deployment explicitly accepted dev mode; that check lives in main,
// before anything is listening.
func New(ctrl *arena.Controller, votes *arena.VoteProcessor, st arena.Store, logger *zap.Logger, opts Options) *Server {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		ctrl:            ctrl,
		votes:           votes,
		store:           st,
		logger:          logger,
		sweepInterval:   opts.SweepInterval,
		shutdownTimeout: opts.ShutdownTimeout,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/battles", s.handleStartBattle).Methods(http.MethodPost)
	api.HandleFunc("/battles/{id}", s.handleGetBattle).Methods(http.MethodGet)
	api.HandleFunc("/battles/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/battles/{id}/vote", s.handleVote).Methods(http.MethodPost)
	r.Use(s.requestLogging)
	s.router = r
	return s
}

// Handler returns the root handler, for tests and for Run.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then drains with the
// configured shutdown timeout. The TTL sweeper runs alongside.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down", zap.Duration("timeout", s.shutdownTimeout))
	return srv.Shutdown(shutdownCtx)
}

// sweepLoop expires inactive battles on the configured interval.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.store.Sweep(ctx)
			if err != nil {
				s.logger.Warn("store sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("swept expired battles", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// requestLogging logs each request with latency at debug level, errors
// excepted; the stream endpoint is logged on open only.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
