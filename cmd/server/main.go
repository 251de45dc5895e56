// Package main provides the key broker server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mailtester/keybroker-go/internal/buildinfo"
	"github.com/mailtester/keybroker-go/internal/config"
	"github.com/mailtester/keybroker-go/internal/engine"
	"github.com/mailtester/keybroker-go/internal/httpapi"
	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
	"github.com/mailtester/keybroker-go/internal/plan"
	"github.com/mailtester/keybroker-go/internal/reconcile"
	"github.com/mailtester/keybroker-go/internal/registry"
	"github.com/mailtester/keybroker-go/internal/sentry"
	"github.com/mailtester/keybroker-go/internal/sweeper"
	"github.com/mailtester/keybroker-go/internal/waitqueue"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", buildinfo.Version).
		WithField("commit", buildinfo.Commit).
		Info("Starting key broker server")

	// Initialize Sentry (no-op without a DSN)
	if err := sentry.Initialize(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     buildinfo.Version,
		SampleRate:  cfg.SentrySampleRate,
	}); err != nil {
		log.WithError(err).Warn("Failed to initialize Sentry, error reporting disabled")
	}
	defer sentry.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the key store
	var store keystore.Store
	if cfg.MongoURI != "" {
		mongoStore, err := keystore.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to MongoDB")
		}
		store = mongoStore
		log.WithField("db", cfg.MongoDBName).Info("Key store connected")
	} else {
		store = keystore.NewMemoryStore()
		log.Warn("MONGODB_URI not set, using in-memory key store (single instance, no persistence)")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	}()

	// Create Prometheus registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewBuildInfoCollector())

	m := metrics.New(promRegistry)
	log.Info("Metrics initialized")

	// Core components
	policy := plan.NewPolicy(cfg.ProIntervalMs, cfg.UltimateIntervalMs)
	eng := engine.New(store, log, m)
	reg := registry.New(store, policy, log)
	sweep := sweeper.New(store, log, m)

	// Wait queue broker: shared Redis FIFO when configured, otherwise a
	// process-local fallback
	var broker waitqueue.Broker
	if cfg.QueueEnabled() {
		var err error
		if cfg.RedisURL != "" {
			broker, err = waitqueue.NewRedisBrokerFromURL(ctx, cfg.RedisURL, log)
		} else {
			broker, err = waitqueue.NewRedisBroker(ctx, cfg.RedisAddr(), cfg.RedisPassword, 0, log)
		}
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		log.Info("Redis wait-queue broker connected")
	} else {
		broker = waitqueue.NewMemoryBroker()
		log.Warn("Redis not configured, wait queue is process-local")
	}

	queue := waitqueue.New(broker, eng, waitqueue.Config{
		Concurrency:    cfg.Queue.Concurrency,
		Backoff:        cfg.Queue.Backoff,
		MaxWait:        cfg.Queue.MaxWait,
		RequestTimeout: cfg.Queue.RequestTimeout,
	}, log, m)
	queue.Start(ctx)

	// Apply the declared key set from the environment
	configSync := reconcile.NewConfigSync(reg, log)
	specs, err := config.LoadKeySpecs()
	if err != nil {
		log.WithError(err).Fatal("Failed to parse declared key set")
	}
	if len(specs) > 0 {
		if err := configSync.Apply(ctx, specs); err != nil {
			log.WithError(err).Fatal("Failed to sync declared key set")
		}
	}

	// Set Gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	if sentry.IsEnabled() {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	router.Use(securityHeadersMiddleware())
	router.Use(loggingMiddleware(log))

	// Setup routes
	handler := httpapi.New(eng, queue, reg, policy, log, m)
	setupRoutes(router, handler, promRegistry, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start background goroutines
	var wg sync.WaitGroup

	// Counter sweep goroutines
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Panic in window sweep goroutine")
			}
		}()
		runWindowSweeps(ctx, sweep, log)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Panic in day sweep goroutine")
			}
		}()
		runDaySweeps(ctx, sweep, log)
	}()

	// Queue depth gauge goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Panic in queue depth goroutine")
			}
		}()
		updateQueueDepthMetrics(ctx, broker, m, log)
	}()

	// Key file watcher goroutine (only when a file source is configured)
	if path := os.Getenv(config.EnvKeysJSONPath); path != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("Panic in key file watcher goroutine")
				}
			}()
			runKeyFileWatcher(ctx, path, configSync, log)
		}()
	}

	// Nightly key health pass goroutine (only when an upstream URL is configured)
	if cfg.HealthcheckURL != "" {
		prober := reconcile.NewHealthProber(reg, store, reconcile.NewHTTPChecker(cfg.HealthcheckURL), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Error("Panic in key health goroutine")
				}
			}()
			runNightlyHealthPass(ctx, prober, log)
		}()
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Cancel context to stop background goroutines and queue workers
	cancel()

	// Wait for goroutines to finish (with timeout)
	goDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(goDone)
	}()

	select {
	case <-goDone:
		log.Info("All background goroutines stopped")
	case <-time.After(5 * time.Second):
		log.Warn("Timeout waiting for goroutines to stop")
	}

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown server gracefully
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	// Close queue broker
	if err := broker.Close(); err != nil {
		log.WithError(err).Error("Failed to close queue broker")
	}

	log.Info("Server stopped")
}
