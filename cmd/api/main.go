package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"weeklydiary/api/internal/app"
	"weeklydiary/api/internal/cache"
	"weeklydiary/api/internal/config"
	"weeklydiary/api/internal/logging"
	"weeklydiary/api/internal/objectstore"
	"weeklydiary/api/internal/ratelimit"
	"weeklydiary/api/internal/search"
	"weeklydiary/api/internal/session"
	"weeklydiary/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	ctx := context.Background()

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations()); err != nil {
		fatal("migrations failed", err)
	}

	dataStore := store.NewPostgresStore(db, store.RetryPolicy{
		Attempts: cfg.DBRetryAttempts,
		Base:     cfg.DBRetryBase,
	})

	var service *app.Service
	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for sessions, overview cache and rate limiting")
		redisStore, err = session.NewRedisStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, logger)
		service.UseOverviewCache(cache.NewOverviewCache(redisStore.Client(), cache.DefaultOverviewTTL))
	} else {
		logger.Info("using postgres for sessions; overview cache and rate limiting disabled")
		service = app.New(cfg, dataStore, logger)
	}

	if cfg.StorageConfigured() {
		objects, err := objectstore.New(cfg)
		if err != nil {
			fatal("object storage client failed", err)
		}
		service.UseObjectStore(objects)
	} else {
		logger.Warn("object storage not configured; uploads are disabled")
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		service.UseSearch(search.NewService(meiliClient, dataStore, logger))
		go service.Reindex(ctx)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	if redisStore != nil {
		httpServer.UseRateLimiter(ratelimit.New(redisStore.Client(), cfg.AuthRateLimit, cfg.AuthRateWindow))
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("weekly diary api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
