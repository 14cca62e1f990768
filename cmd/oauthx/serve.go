package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oauthx"
	"github.com/bionicotaku/lingo-utils-oauthx/internal/appconfig"
	"github.com/bionicotaku/lingo-utils-oauthx/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("dev-bypass", false, "authorize every request as a synthetic dev principal (refused in prod)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	var devBypass *oauthx.DevBypassClaims
	if bypass, _ := cmd.Flags().GetBool("dev-bypass"); bypass {
		if cfg.IsProduction() {
			return errors.New("--dev-bypass is not allowed when env is prod")
		}
		claims := oauthx.DefaultDevBypassClaims(cfg.RequiredScope)
		devBypass = &claims
		logger.Warn("dev bypass enabled: tokens are not validated")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: server.NewRouter(server.Deps{
			Authorizer:    a.authorizer,
			Gatherer:      reg,
			Logger:        logger,
			RequiredScope: cfg.RequiredScope,
			DevBypass:     devBypass,
			CORSOrigins:   cfg.CORSOrigins,
			Ready:         a.ready,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

func setupTracing() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

