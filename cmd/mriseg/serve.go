package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/mriseg/internal/api"
	"github.com/Veraticus/mriseg/internal/config"
	"github.com/Veraticus/mriseg/internal/export"
	"github.com/Veraticus/mriseg/internal/inference"
	"github.com/Veraticus/mriseg/internal/render"
	"github.com/Veraticus/mriseg/internal/segment"
	"github.com/Veraticus/mriseg/internal/session"
	"github.com/Veraticus/mriseg/internal/volume"
)

func newServeCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := setupLogging(os.Stderr, cfg.Log); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// components holds all initialized components.
type components struct {
	store        *session.Store
	reaper       *session.Reaper
	dispatcher   *segment.Dispatcher
	model        inference.Model
	orchestrator *segment.Orchestrator
	server       *api.Server
}

func newModel(ctx context.Context, cfg config.ModelConfig) (inference.Model, error) {
	switch cfg.Backend {
	case inference.BackendExec:
		model, err := inference.NewExecModel(inference.ExecConfig{
			Command:    cfg.Command,
			Args:       cfg.Args,
			Device:     cfg.Device,
			NumClasses: cfg.NumClasses,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		// A failed probe leaves the service up but reporting degraded health.
		if err := model.Probe(ctx); err != nil {
			slog.Warn("Model worker probe failed",
				slog.String("command", cfg.Command),
				slog.Any("error", err))
		}
		return model, nil
	default:
		return inference.NewIntensityModel(cfg.NumClasses)
	}
}

// initializeComponents builds the component graph. Dispatcher and reaper are
// started against ctx.
func initializeComponents(ctx context.Context, cfg config.Config) (*components, error) {
	store := session.NewStore(session.Options{
		Retention:   cfg.Sessions.Retention,
		MaxSessions: cfg.Sessions.MaxSessions,
		EvictLRU:    cfg.Sessions.EvictLRU,
	})

	model, err := newModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	dispatcher := segment.NewDispatcher(segment.DispatcherConfig{
		Workers:    cfg.Workers.Size,
		QueueDepth: cfg.Workers.QueueDepth,
	})

	orch, err := segment.NewOrchestrator(store, model, dispatcher, segment.Config{
		InputSize:   cfg.Model.InputSize,
		DisplaySize: cfg.Model.DisplaySize,
		BatchSize:   cfg.Model.BatchSize,
		NumClasses:  cfg.Model.NumClasses,
		Timeout:     cfg.Model.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	server, err := api.New(api.Options{
		Store:        store,
		Loader:       volume.NewLoader(cfg.Files.MaxBytes()),
		Orchestrator: orch,
		Compositor:   render.NewCompositor(store),
		Encoder:      export.NewEncoder(store),
		APIPrefix:    cfg.Server.APIPrefix,
		CORSOrigins:  cfg.Server.CORSOrigins,
		SamplePath:   cfg.Files.SamplePath,
		Version:      version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	if err := dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}
	reaper := session.NewReaper(store, cfg.Sessions.CleanupInterval)
	if err := reaper.Start(ctx); err != nil {
		dispatcher.Stop()
		return nil, fmt.Errorf("failed to start session reaper: %w", err)
	}

	return &components{
		store:        store,
		reaper:       reaper,
		dispatcher:   dispatcher,
		model:        model,
		orchestrator: orch,
		server:       server,
	}, nil
}

func (c *components) shutdown() {
	c.reaper.Stop()
	c.dispatcher.Stop()
	c.store.Close()
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default().With(slog.String("component", "main"))

	c, err := initializeComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.shutdown()

	httpServer := c.server.NewHTTPServer(cfg.Server.Addr)
	info := c.model.Info()
	logger.Info("mriseg starting",
		slog.String("addr", cfg.Server.Addr),
		slog.String("backend", info.Backend),
		slog.String("device", info.Device),
		slog.Bool("model_loaded", info.Loaded),
		slog.Int("workers", cfg.Workers.Size))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		// The parent context is already done, so shutdown gets its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		//nolint:contextcheck // New context needed for graceful shutdown after parent cancellation
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
