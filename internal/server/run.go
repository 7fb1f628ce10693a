package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/logging"
)

const (
	// drainDelay lets load balancers see a few failed readiness probes
	// before the listener closes.
	drainDelay      = 5 * time.Second
	shutdownTimeout = 30 * time.Second

	readTimeout       = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

// Run starts the listener and the background workers, blocking until the
// context is cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.stopWorkers = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"chains", s.chains.IDs(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.poller.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	// Flip readiness once the listener has had a moment to bind.
	readyTimer := time.AfterFunc(100*time.Millisecond, func() {
		s.ready.Store(true)
		s.logger.Info("accepting traffic")
	})
	defer readyTimer.Stop()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-sigCtx.Done():
		if ctx.Err() != nil {
			s.logger.Info("run context cancelled")
		} else {
			s.logger.Info("termination signal received")
		}
	}

	return s.Shutdown()
}

// Shutdown drains the HTTP server, stops the background workers, and closes
// external connections. Cleanup continues past individual failures; the
// first HTTP drain error is returned.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("shutting down")

	if s.stopWorkers != nil {
		s.stopWorkers()
	}

	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var failed error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown", logging.Err(err))
			failed = err
		}
	}

	s.poller.Stop()
	s.reconTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.evmClient != nil {
		s.evmClient.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close", logging.Err(err))
		}
	}
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace flush", logging.Err(err))
		}
	}

	s.logger.Info("server stopped")
	return failed
}
