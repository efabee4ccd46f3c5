package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biome-tales/internal/config"
	"biome-tales/internal/engine"
	"biome-tales/internal/generators"
	"biome-tales/internal/interfaces"
	"biome-tales/internal/logging"
	"biome-tales/internal/prompts"
	"biome-tales/internal/storage"
	"biome-tales/internal/web"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Hour
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := storage.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := store.SeedBiomes(ctx, cfg.Biomes); err != nil {
		return fmt.Errorf("seed biomes: %w", err)
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	var persistence interfaces.PersistencePort = store
	probes := map[string]web.Probe{"database": store.Ping}
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithAtomicCreate(cfg.Pipeline.AtomicCreate),
	}

	if cfg.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Redis, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisStore.Close()

		persistence = storage.NewCachedPersistence(store, redisStore)
		opts = append(opts, engine.WithLocker(redisStore))
		probes["redis"] = redisStore.Ping
		log.Info("redis connected", zap.String("host", cfg.Redis.Host))
	}

	tpl := prompts.NewDefaultEngine()
	if n, err := tpl.LoadDir(cfg.AI.PromptDir); err != nil {
		return fmt.Errorf("load prompt overrides: %w", err)
	} else if n > 0 {
		log.Info("prompt overrides loaded", zap.Int("count", n), zap.String("dir", cfg.AI.PromptDir))
	}

	images := generators.NewImageStore(cfg.Images.Directory, cfg.Images.PublicBaseURL, cfg.Images.MaxEntries, cfg.Images.TTL)
	if err := images.Initialize(ctx); err != nil {
		return err
	}

	oracles, err := generators.BuildOracles(ctx, cfg.AI, images, tpl, logging.Component(log, "oracles"))
	if err != nil {
		return err
	}
	for name, checker := range oracles.Probes {
		probes[name] = checker.HealthCheck
	}
	log.Info("oracles ready",
		zap.String("text_provider", cfg.AI.TextProvider),
		zap.String("image_provider", cfg.AI.ImageProvider),
	)

	hub := web.NewPageHub(cfg.Server.AllowedOrigins, log)
	opts = append(opts, engine.WithPublisher(hub))

	stories := engine.NewStoryEngine(persistence, oracles.Safety, oracles.Text, oracles.Image, opts...)

	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: web.NewRouter(web.RouterConfig{
			Server:  cfg.Server,
			Images:  cfg.Images,
			Stories: stories,
			Hub:     hub,
			Probes:  probes,
			Log:     log,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		images.RunJanitor(gctx, janitorInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
