package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"splitbuy/internal/api"
)

var (
	serveHost     string
	servePort     int
	serveGRPCPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger, runs and backtests over HTTP and gRPC",
	Long: `Start the HTTP API (ledger, runs, on-demand backtests, /metrics) and
the gRPC report service. Both stop gracefully on SIGINT or SIGTERM.

Examples:
  splitbuy serve
  splitbuy serve --port 8081 --grpc-port 9091`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (default server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default server.port)")
	serveCmd.Flags().IntVar(&serveGRPCPort, "grpc-port", 0, "gRPC port (default server.grpc_port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if serveHost != "" {
		a.cfg.Server.Host = serveHost
	}
	if servePort > 0 {
		a.cfg.Server.Port = servePort
	}
	if serveGRPCPort > 0 {
		a.cfg.Server.GRPCPort = serveGRPCPort
	}

	defaults, err := a.runRequest(nil)
	if err != nil {
		return err
	}
	srv := api.NewServer(a.cfg, api.Deps{
		Ledger:     a.db,
		Bars:       a.bars,
		Journal:    a.db,
		Backtester: a.backtester(),
		Metrics:    a.metrics,
		Defaults:   defaults,
		Logger:     a.log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return srv.ListenAndServe(ctx)
}
