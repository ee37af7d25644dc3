package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskboard/db"
	"taskboard/internal/app"
	"taskboard/internal/auth"
	"taskboard/internal/config"
	"taskboard/internal/realtime"
	"taskboard/internal/search"
	"taskboard/internal/session"
	"taskboard/internal/store"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime task server",
		Long: `Run the websocket task server with health, readiness and metrics endpoints.

Without DATABASE_URL tasks live in memory; without REDIS_URL restore tokens do
too. MEILI_URL enables the Meilisearch task index.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides TASKBOARD_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var (
		dataStore app.DataStore
		fallback  search.Searcher
		loader    search.RecordLoader
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		sqlDB, err := store.Open(ctx, cfg.DatabaseURL, poolConfig(cfg))
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer sqlDB.Close()
		if cfg.AutoMigrate {
			if err := store.ApplyMigrations(ctx, sqlDB, db.Migrations()); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
		}
		pgfts := search.NewPgFTS(sqlDB)
		dataStore, fallback, loader = store.NewPostgresStore(sqlDB), pgfts, pgfts
		logger.Info("using postgres task store")
	} else {
		memory := store.NewMemoryStore()
		dataStore, fallback = memory, search.NewScan(memory)
		logger.Warn("DATABASE_URL not set, tasks are kept in memory")
	}

	var restore session.RestoreStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		restore = redisStore
		logger.Info("using redis for restore tokens")
	} else {
		restore = session.NewMemoryRestoreStore()
		logger.Info("using in-memory restore tokens")
	}

	var index search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	searchService := search.NewService(index, fallback, logger)

	service := app.New(app.Options{
		Store:      dataStore,
		Restore:    restore,
		Tokens:     auth.NewIssuer(cfg.TokenSecret, cfg.RestoreTTL),
		Search:     searchService,
		Logger:     logger,
		BcryptCost: cfg.BcryptCost,
	})
	if err := service.Seed(ctx, cfg.SeedUsers); err != nil {
		return err
	}
	if err := searchService.Reindex(ctx, loader); err != nil {
		logger.Warn("search reindex failed", zap.Error(err))
	}

	rt := realtime.NewServer(realtime.Options{
		Backend:        service,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Limits: realtime.Limits{
			SendQueue:       cfg.SendQueue,
			WriteTimeout:    cfg.WriteTimeout,
			PingInterval:    cfg.PingInterval,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
	})

	httpServer := app.NewHTTPServer(service, rt, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskboard listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func poolConfig(cfg config.Config) store.PoolConfig {
	return store.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// openMigrationDB is shared by the migrate subcommands.
func openMigrationDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return store.Open(ctx, cfg.DatabaseURL, poolConfig(cfg))
}
