// Package main provides the entry point for the QLINK URL shortener service.
package main

import (
	"QLINK-Backend/internal/cache"
	"QLINK-Backend/internal/clicks"
	"QLINK-Backend/internal/config"
	"QLINK-Backend/internal/database"
	httpHandler "QLINK-Backend/internal/handler/http"
	"QLINK-Backend/internal/repository/postgres"
	"QLINK-Backend/internal/service"
	"QLINK-Backend/internal/shortcode"
	"QLINK-Backend/pkg/logger"
	"QLINK-Backend/pkg/useragent"
	"context"
	"fmt"
	lg "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)
	defer func() {
		if err := log.Sync(); err != nil {
			lg.Printf("ERROR: failed to sync zap logger: %v\n", err)
		}
	}()

	log.Info("starting QLINK service", zap.String("env", cfg.Env))

	// Initialize database connection
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, log); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	// Run database migrations if enabled
	if cfg.Database.AutoMigrate {
		log.Info("running database migrations (auto_migrate: true)")
		if err := database.AutoMigrate(db, log); err != nil {
			log.Fatal("failed to run database migrations", zap.Error(err))
		}
	} else {
		log.Info("skipping database migrations (auto_migrate: false)")
	}

	// Initialize User-Agent parser
	regexesPath := "assets/regexes.yaml"
	parser, err := useragent.NewParser(regexesPath, log)
	if err != nil {
		log.Warn("failed to load User-Agent regexes, using built-in definitions", zap.Error(err))
		parser = useragent.NewParserFromDefaults(log)
	}

	// Initialize storage and cache
	storage := postgres.New(db, log)
	linkCache, err := cache.New(cache.Config{
		MaxEntriesPerNamespace: cfg.Cache.MaxEntriesPerNamespace,
		MappingTTL:             cfg.Cache.MappingTTL,
		AnalyticsTTL:           cfg.Cache.AnalyticsTTL,
		StatsTTL:               cfg.Cache.StatsTTL,
		JanitorInterval:        cfg.Cache.JanitorInterval,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize cache", zap.Error(err))
	}

	// Initialize click recording pipeline
	processor := clicks.NewProcessor(storage, parser, log, clicks.ProcessorConfig{
		WorkerCount:     cfg.Clicks.WorkerCount,
		BufferSize:      cfg.Clicks.BufferSize,
		RetryAttempts:   cfg.Clicks.RetryAttempts,
		RetryDelay:      cfg.Clicks.RetryDelay,
		ShutdownTimeout: cfg.Clicks.ShutdownTimeout,
	})

	// Initialize shortener service
	generator := shortcode.NewGenerator(cfg.URLShortener.CodeLength, cfg.URLShortener.MaxGenerationAttempts)
	shortener := service.NewShortener(service.Deps{
		Storage:   storage,
		Cache:     linkCache,
		Generator: generator,
		Clicks:    processor,
		Clock:     nil,
		Log:       log,
		Config:    &cfg.URLShortener,
	})

	// Evict cached mappings when the pipeline observes a terminal state
	processor.SetInvalidator(func(key string) {
		shortener.Invalidate(context.Background(), key)
	})

	if err := processor.Start(); err != nil {
		log.Fatal("failed to start click processor", zap.Error(err))
	}

	// Periodic cleanup of expired links and old click events
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	go runCleanupLoop(cleanupCtx, shortener, cfg.Cleanup.Interval, log)

	// Create HTTP server
	httpAPIServer := httpHandler.NewServer(shortener, processor, log, cfg.URLShortener.BaseURL)
	httpMux := httpAPIServer.SetupRoutes()

	unifiedHTTPServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPServer.Port),
		Handler:      httpMux,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	log.Info("starting HTTP server", zap.String("address", unifiedHTTPServer.Addr))

	// Start HTTP server in goroutine
	go func() {
		if err := unifiedHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down QLINK service...")

	cleanupCancel()

	// Gracefully stop HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := unifiedHTTPServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// Drain pending clicks before the database connection goes away
	if err := processor.Stop(); err != nil {
		log.Error("failed to stop click processor", zap.Error(err))
	}

	linkCache.Close()
	log.Info("QLINK service stopped")
}

// runCleanupLoop runs the retention sweep on a fixed interval until ctx is cancelled.
func runCleanupLoop(ctx context.Context, shortener *service.Shortener, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		log.Info("cleanup loop disabled (interval <= 0)")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			result, err := shortener.RunCleanup(runCtx)
			cancel()
			if err != nil {
				log.Error("scheduled cleanup failed", zap.Error(err))
				continue
			}
			if result.ExpiredLinks > 0 || result.PrunedClicks > 0 {
				log.Info("scheduled cleanup finished",
					zap.Int64("expired_links", result.ExpiredLinks),
					zap.Int64("pruned_clicks", result.PrunedClicks))
			}
		}
	}
}
