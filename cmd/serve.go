package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/api"
	"github.com/suburbmates/quality-cli/internal/auth"
	"github.com/suburbmates/quality-cli/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin quality API",
	Long: `Serves the admin quality endpoints under /api/admin/quality, plus /health
and /metrics. Every /api/admin route requires an admin bearer token from
auth.admin_tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx, ctx, prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		defer env.Close()

		srvCfg := api.Config{
			RequestTimeout:   secondsOr(cfg.Server.RequestTimeoutSecs, 0),
			CORSOrigins:      cfg.Server.CORSOrigins,
			SubmitRatePerMin: cfg.Batch.SubmitRatePerMin,
			EngagementWindow: cfg.EngagementWindow(),
		}
		handler := api.New(srvCfg, env.Manager, env.Stats, env.Store,
			auth.NewTokenAuthenticator(cfg.Auth.AdminTokens, cfg.Auth.StaffTokens),
			api.WithAuditLogger(env.Audit),
			api.WithMetricsHandler(metrics.Handler()),
		).Routes()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", cfg.Server.Port),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		// Running async jobs observe the cancelled base context.
		env.Manager.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
