package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bitrise-io/go-uricontent/analytics"
	"github.com/bitrise-io/go-uricontent/channel"
	"github.com/bitrise-io/go-uricontent/config"
	"github.com/bitrise-io/go-uricontent/host"
	"github.com/bitrise-io/go-uricontent/metrics"
	"github.com/bitrise-io/go-uricontent/source"
	"github.com/bitrise-io/go-uricontent/stream"
)

const (
	websocketPath   = "/ws"
	metricsPath     = "/metrics"
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the content API over websocket",
	Long: "Serve the content API over websocket on " + websocketPath + " and Prometheus metrics on " +
		metricsPath + ". Configuration is read from the environment.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func newDependencies(ctx context.Context, cfg config.Config, m *metrics.Metrics) (host.Dependencies, error) {
	router, err := source.NewDefaultRouter(ctx, cfg, logger)
	if err != nil {
		return host.Dependencies{}, err
	}

	return host.Dependencies{
		Resolver: router,
		Stream: stream.Config{
			QueueDepth:   cfg.QueueDepth,
			MaxChunkSize: cfg.MaxChunkSize,
		},
		Logger:  logger,
		Metrics: m,
		Tracker: analytics.NewDefaultTracker(cfg.Analytics, envRepo, logger),
	}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	deps, err := newDependencies(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer deps.Tracker.Wait()

	var conns sync.Map
	wsServer := channel.NewServer(logger, channel.ConnOptions{WriteWait: cfg.WriteTimeout}, func(conn *channel.Conn) func() {
		conns.Store(conn, struct{}{})
		session := host.NewSession(conn, deps)
		return func() {
			session.Close()
			conns.Delete(conn)
		}
	}, channel.ServerHooks{
		OnOpen:  m.ConnectionOpened,
		OnClose: m.ConnectionClosed,
	})

	mux := http.NewServeMux()
	mux.Handle(websocketPath, wsServer)
	mux.Handle(metricsPath, m.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Hijacked websocket connections are not closed by Shutdown.
	server.RegisterOnShutdown(func() {
		conns.Range(func(key, _ any) bool {
			if err := key.(*channel.Conn).Close(); err != nil {
				logger.Warnf("Failed to close connection: %s", err)
			}
			return true
		})
	})

	logger.Infof("Configs:")
	logger.Printf("- ListenAddr: %s", cfg.ListenAddr)
	logger.Printf("- MaxChunkSize: %s", units.BytesSize(float64(cfg.MaxChunkSize)))
	logger.Printf("- QueueDepth: %d", cfg.QueueDepth)
	logger.Printf("- WriteTimeout: %s", cfg.WriteTimeout)
	logger.Printf("- AllowedPaths: %v", cfg.AllowedPaths)
	logger.Printf("- S3: region=%q access key=%s", cfg.S3.Region, cfg.S3.AccessKeyID)
	logger.Println()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.ListenAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Donef("Stopped")

	return nil
}
