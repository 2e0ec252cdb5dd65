package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/radview/radview/internal/config"
	"github.com/radview/radview/internal/domain/frames"
	"github.com/radview/radview/internal/domain/index"
	"github.com/radview/radview/internal/domain/reconcile"
	"github.com/radview/radview/internal/platform/archive"
	"github.com/radview/radview/internal/platform/db"
	"github.com/radview/radview/internal/platform/detect"
	"github.com/radview/radview/internal/platform/framecache"
	"github.com/radview/radview/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "radview-server",
		Short: "DICOM frame index and resolution server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the frame resolution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// reconcileCmd runs a single reconciliation pass and exits. Useful for
// rebuilding the index out of band.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the archive and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.EnsureSchema(ctx, pool); err != nil {
				return err
			}

			engine := newEngine(cfg, pool, logger)
			sum, err := engine.Run(ctx)
			if err != nil {
				return err
			}
			logger.Info().Interface("summary", sum).Msg("reconciliation finished")
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// newEngine wires a reconciliation engine with its own archive client: the
// reconcile path retries with backoff, unlike the request-path client.
func newEngine(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *reconcile.Engine {
	client := archive.NewClient(archive.Config{
		BaseURL:    cfg.ArchiveURL,
		Username:   cfg.ArchiveUsername,
		Password:   cfg.ArchivePassword,
		Timeout:    cfg.ArchiveTimeout(),
		RetryCount: 3,
	}, logger)
	return reconcile.NewEngine(client,
		index.NewStudyRepoPG(pool), index.NewSeriesRepoPG(pool), index.NewFrameRepoPG(pool), logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure schema")
	}
	logger.Info().Msg("connected to database")

	cache, err := framecache.New(cfg.CacheDir, cfg.CacheSentinelBytes, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open frame cache")
	}

	// The request-path archive client fails fast so the cascade can fall
	// through; the engine gets its own retrying client via newEngine.
	requestClient := archive.NewClient(archive.Config{
		BaseURL:  cfg.ArchiveURL,
		Username: cfg.ArchiveUsername,
		Password: cfg.ArchivePassword,
		Timeout:  cfg.ArchiveTimeout(),
	}, logger)

	// The findings endpoints exist only when a detection node is deployed
	// alongside the server.
	var classifier frames.Classifier
	if cfg.DetectURL != "" {
		classifier = detect.NewClient(detect.Config{
			BaseURL: cfg.DetectURL,
			Timeout: cfg.DetectTimeout(),
		}, logger)
		logger.Info().Str("detect_url", cfg.DetectURL).Msg("detection node configured")
	}

	studyRepo := index.NewStudyRepoPG(pool)
	seriesRepo := index.NewSeriesRepoPG(pool)
	frameRepo := index.NewFrameRepoPG(pool)

	indexSvc := index.NewService(studyRepo, seriesRepo, frameRepo, logger)
	engine := newEngine(cfg, pool, logger)
	resolver := frames.NewResolver(indexSvc, cache, requestClient, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	admin := apiV1.Group("/admin")

	index.NewHandler(indexSvc, cache).RegisterRoutes(apiV1, admin)
	frames.NewHandler(resolver, classifier, logger).RegisterRoutes(apiV1)
	reconcile.NewHandler(engine).RegisterRoutes(admin)

	// Background reconciliation. ErrPassInProgress just means the previous
	// tick is still converging.
	tickCtx, stopTicker := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if _, err := engine.Run(tickCtx); err != nil && !errors.Is(err, reconcile.ErrPassInProgress) {
					logger.Error().Err(err).Msg("background reconciliation failed")
				}
			}
		}
	}()

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server start failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopTicker()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
