package serve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"quill/cmd/quill/cli"
	"quill/internal/app"
	"quill/internal/observe"

	"github.com/spf13/cobra"
)

var (
	addr        string
	metricsAddr string
)

var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/SSE gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := cli.Open(ctx, app.WithTelemetry())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.Close(shutdownCtx); err != nil {
				slog.Warn("shutdown", "error", err)
			}
		}()
		cfg := a.Config()

		if addr != "" {
			cfg.Gateway.Addr = addr
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}

		srv, err := a.Gateway()
		if err != nil {
			return err
		}

		if cfg.Metrics.Addr != "" {
			go serveMetrics(ctx, cfg.Metrics.Addr)
		}

		slog.Info("starting gateway", "addr", cfg.Gateway.Addr, "auth", cfg.Gateway.Token != "")
		return srv.ListenAndServe(ctx, cfg.Gateway.Addr)
	},
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}

func init() {
	Cmd.Flags().StringVarP(&addr, "addr", "a", "", "override gateway listen address")
	Cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on a separate address")
}
