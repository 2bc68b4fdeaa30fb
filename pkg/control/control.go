// Package control serves the local HTTP surface used to observe the
// uploader and to abort an in-flight transfer.
package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/segmentoor/pkg/config"
	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// StatusSource reports the upload in progress and the last finished one.
type StatusSource interface {
	Current() (*segment.Task, time.Time)
	LastResult() (upload.Result, bool)
}

// Aborter forcibly terminates the transfer in flight.
type Aborter interface {
	Abort() bool
}

// Compile-time interface check.
var _ StatusSource = (*upload.Executor)(nil)

// Server exposes the control HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	Handler() http.Handler
	Addr() string
}

// Options wires optional capabilities into the router.
type Options struct {
	// Aborter backs POST /api/v1/transfer/abort. Nil disables the route.
	Aborter Aborter

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ControlConfig
	status     StatusSource
	aborter    Aborter
	metrics    http.Handler
	handler    http.Handler
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
}

// NewServer creates a control server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ControlConfig,
	status StatusSource,
	opts Options,
) Server {
	s := &server{
		log:     log.WithField("component", "control"),
		cfg:     cfg,
		status:  status,
		aborter: opts.Aborter,
		metrics: opts.Metrics,
	}

	s.handler = s.buildRouter()

	return s
}

// Handler returns the router, for tests and embedding.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound listen address once started.
func (s *server) Addr() string {
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("Control server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Control server stopped")

	return nil
}
