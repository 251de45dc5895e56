// Package main provides the key broker server entry point.
package main

import (
	"context"
	"time"

	"github.com/mailtester/keybroker-go/internal/config"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
	"github.com/mailtester/keybroker-go/internal/reconcile"
	"github.com/mailtester/keybroker-go/internal/sweeper"
	"github.com/mailtester/keybroker-go/internal/waitqueue"
	"github.com/mailtester/keybroker-go/internal/watcher"
)

const queueDepthInterval = 15 * time.Second

// runWindowSweeps resets elapsed 30s windows on a fixed cadence
func runWindowSweeps(ctx context.Context, sweep *sweeper.Sweeper, log *logger.Logger) {
	ticker := time.NewTicker(sweeper.WindowSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep.SweepWindows(ctx); err != nil {
				log.WithError(err).Error("Window sweep failed")
			}
		}
	}
}

// runDaySweeps resets elapsed day counters and reactivates exhausted keys
func runDaySweeps(ctx context.Context, sweep *sweeper.Sweeper, log *logger.Logger) {
	ticker := time.NewTicker(sweeper.DaySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep.SweepDays(ctx); err != nil {
				log.WithError(err).Error("Day sweep failed")
			}
		}
	}
}

// updateQueueDepthMetrics keeps the wait-queue depth gauge current
func updateQueueDepthMetrics(ctx context.Context, broker waitqueue.Broker, m *metrics.Metrics, log *logger.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := broker.Depth(ctx)
			if err != nil {
				log.WithError(err).Debug("Failed to read queue depth")
				continue
			}
			m.SetQueueDepth(depth)
		}
	}
}

// runKeyFileWatcher re-applies the key file whenever it changes on disk.
// The file is authoritative for the whole pool, so keys removed from it are
// pruned from the store.
func runKeyFileWatcher(ctx context.Context, path string, sync *reconcile.ConfigSync, log *logger.Logger) {
	w := watcher.New(path, watcher.DefaultDebounce, func(ctx context.Context) {
		specs, err := config.ParseKeySpecFile(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Error("Failed to parse key file")
			return
		}
		if err := sync.ApplyAndPrune(ctx, specs); err != nil {
			log.WithError(err).Error("Key file sync failed")
		}
	}, log)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("Key file watcher stopped")
	}
}

// runNightlyHealthPass probes every key against the upstream provider once
// per day at UTC midnight
func runNightlyHealthPass(ctx context.Context, prober *reconcile.HealthProber, log *logger.Logger) {
	for {
		// Recalculate wait time on each iteration to ensure accurate scheduling
		next := reconcile.NextMidnightUTC(time.Now())
		log.WithField("next_run", next.Format(time.RFC3339)).Debug("Key health pass scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := prober.Run(ctx); err != nil {
				log.WithError(err).Error("Key health pass failed")
			}
		}
	}
}
