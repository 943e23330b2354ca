// ============================================================================
// procjournal Server - long-running process behind `procjournal serve`
// ============================================================================
//
// Package: internal/server
// Purpose: Hosts the approval surfaces and the background runner in one process
//
// Components:
//   - HTTP (echo): approval REST routes, websocket change stream, /metrics
//   - gRPC:        approval service (Create, Get, Decide, List)
//   - Hub:         fans approval changes out to websocket subscribers
//   - Runner:      worker pool + driver resuming every non-terminal run
//
// Shutdown:
//   Serve returns after ctx is done. HTTP is drained with a timeout, gRPC stops
//   gracefully and in-flight resumptions finish before the pool stops.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/procjournal/internal/approval"
	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/logging"
	"github.com/ChuLiYu/procjournal/internal/metrics"
	"github.com/ChuLiYu/procjournal/internal/worker"
)

var log = logging.Component("server")

// Config sizes the server.
type Config struct {
	HTTPPort int
	GRPCPort int

	// ResumeInterval is how often open runs are polled. Zero disables the runner.
	ResumeInterval time.Duration
	// Workers bounds concurrent resumptions.
	Workers int

	ShutdownTimeout time.Duration
}

// Server owns the listeners and the runner.
type Server struct {
	config     Config
	controller *controller.Controller
	approvals  breakpoint.Service
	hub        *approval.Hub
	metrics    *metrics.Collector

	echo *echo.Echo
	grpc *grpc.Server
	pool *worker.Pool
	// Driver is nil when the runner is disabled. Exposed for OnResult hooks.
	Driver *worker.Driver
}

// New wires a server. approvals should already publish to hub (approval.NewNotifying)
// so that decisions taken over gRPC reach websocket subscribers too.
func New(config Config, ctrl *controller.Controller, approvals breakpoint.Service, hub *approval.Hub, m *metrics.Collector) *Server {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		config:     config,
		controller: ctrl,
		approvals:  approvals,
		hub:        hub,
		metrics:    m,
		echo:       approval.NewServer(approvals, hub),
		grpc:       grpc.NewServer(),
	}
	if m != nil {
		s.echo.GET("/metrics", echo.WrapHandler(m.Handler()))
	}
	approval.RegisterGRPC(s.grpc, approvals)

	if config.ResumeInterval > 0 && ctrl != nil {
		s.pool = worker.NewPool(ctrl, config.Workers*4)
		s.Driver = worker.NewDriver(s.pool, worker.OpenRuns(ctrl), config.ResumeInterval, 0)
	}
	return s
}

// Run listens on the configured ports and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.GRPCPort))
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is done or one of them fails.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{Handler: s.echo}

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info("Approval HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info("Approval gRPC server listening", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if s.Driver != nil {
		_ = s.pool.Start(s.config.Workers) // fresh pool, cannot fail
		g.Go(func() error {
			log.Info("Background runner started", "interval", s.config.ResumeInterval, "workers", s.config.Workers)
			s.Driver.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown failed", "error", err)
		}
		s.grpc.GracefulStop()
		if s.pool != nil {
			s.pool.Stop()
		}
		return nil
	})

	return g.Wait()
}
