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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rocket-collections/internal/api"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/instrument"
	"rocket-collections/internal/notify"
	"rocket-collections/internal/queue"
	"rocket-collections/internal/realtime"
	"rocket-collections/internal/search"
	"rocket-collections/internal/storage"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, realtime feed and job worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, requireAuth)
		},
	}
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject requests without a bearer token")
	return cmd
}

func serve(ctx context.Context, opts *rootOptions, requireAuth bool) error {
	cfg, logger := opts.cfg, opts.logger

	reg, err := loadRegistry(cfg.Definitions.Path)
	if err != nil {
		return err
	}
	s, err := openStore(ctx, opts, reg)
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Storage.Driver != "local" {
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	files := storage.NewLocalStorage(cfg.Storage.LocalPath)

	jobs := queue.New(s, logger.Named("queue"))
	webhooks, err := notify.NewWebhooks(cfg.Webhooks, jobs, logger.Named("webhooks"))
	if err != nil {
		return err
	}
	notifiers := notify.Fanout{webhooks}

	var hub *realtime.Hub
	if cfg.Realtime.Enabled {
		hub = realtime.NewHub(logger.Named("realtime"), realtime.Options{
			JWTSecret:      cfg.JWTSecret,
			RequireAuth:    requireAuth,
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
		})
		notifiers = append(notifiers, hub)
	}

	ix := search.New(s)
	inst := instrument.NewLogInstrumenter(logger.Named("trace"))
	e, err := engine.New(s, reg, engine.Options{
		Indexer:          ix,
		Notifier:         notifiers,
		Publisher:        jobs,
		Files:            files,
		Logger:           logger,
		Instrumenter:     inst,
		Locales:          cfg.Locales,
		AsyncSideEffects: cfg.Engine.AsyncSideEffects,
		DefaultLimit:     cfg.Engine.DefaultLimit,
		MaxLimit:         cfg.Engine.MaxLimit,
		MaxFileSize:      cfg.Storage.MaxFileSize,
	})
	if err != nil {
		return err
	}
	if hub != nil {
		hub.SetAuthorizer(e)
	}

	if cfg.Queue.Enabled {
		worker := queue.NewWorker(jobs, cfg.Queue, logger.Named("worker"))
		worker.Handle(engine.JobTransition, e.HandleTransitionJob)
		worker.Handle(notify.JobDeliver, webhooks.HandleDeliverJob)
		worker.Start()
		defer worker.Stop()
	}

	errc := make(chan error, 2)

	var rt *http.Server
	if hub != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Realtime.Path, hub)
		rt = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Realtime.Port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("realtime listening", zap.String("addr", rt.Addr), zap.String("path", cfg.Realtime.Path))
			if err := rt.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("realtime: %w", err)
			}
		}()
	}

	bodyLimit := int(cfg.Storage.MaxFileSize) + 1<<20
	app := api.NewApp(e, api.Options{
		JWTSecret:    cfg.JWTSecret,
		RequireAuth:  requireAuth,
		BodyLimit:    bodyLimit,
		Search:       ix,
		Instrumenter: inst,
		Logger:       logger.Named("http"),
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("api listening", zap.String("addr", addr), zap.Int("collections", len(reg.AllEntities())))
		if err := app.Listen(addr); err != nil {
			errc <- fmt.Errorf("api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := app.ShutdownWithContext(shutdownCtx); shutdownErr != nil {
		logger.Warn("api shutdown", zap.Error(shutdownErr))
	}
	if rt != nil {
		hub.Close()
		if shutdownErr := rt.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("realtime shutdown", zap.Error(shutdownErr))
		}
	}
	return err
}
