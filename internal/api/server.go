// Package api provides the HTTP and gRPC servers for splitbuy, exposing the
// ingestion ledger, stored backtest runs, on-demand backtests and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"splitbuy/internal/config"
	"splitbuy/internal/metrics"
	"splitbuy/internal/store"
	"splitbuy/internal/strategy"
)

// Deps are the components the servers read from. Journal, Backtester and
// Metrics may be nil; the matching endpoints then report unavailable.
type Deps struct {
	Ledger     store.Ledger
	Bars       store.BarStore
	Journal    store.Journal
	Backtester *strategy.Backtester
	Metrics    *metrics.Registry

	// Defaults fills fields a backtest request leaves out.
	Defaults strategy.RunRequest
	Logger   *slog.Logger
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	deps     Deps
	log      *slog.Logger
	httpAddr string
	grpcAddr string

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a new Server configured from the given Config.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:     deps,
		log:      deps.Logger.With("component", "api"),
		httpAddr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		grpcAddr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)),
	}
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	hl, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	gl, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		hl.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.grpcSrv = grpc.NewServer()
	s.RegisterGRPC(s.grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpSrv.Serve(hl); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := s.grpcSrv.Serve(gl); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	s.log.Info("serving", "http", s.httpAddr, "grpc", s.grpcAddr)

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(sctx)
	}
	select {
	case <-ctx.Done():
		return shutdown()
	case err := <-errCh:
		shutdown()
		return err
	}
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	s.log.Info("stopped")
	return err
}
