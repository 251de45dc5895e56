// Package sweeper runs the periodic counter-reset passes over the key pool.
//
// The sweeps are an optimization, not a correctness requirement: the
// reservation engine already treats elapsed windows as reset. Sweeping keeps
// the /status projection from drifting and lets exhausted keys become
// selectable promptly after their day rolls over.
package sweeper

import (
	"context"
	"time"

	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
	"github.com/mailtester/keybroker-go/internal/plan"
)

// Sweep cadence. The day sweep runs more often than once per day so a key
// exhausted mid-day reactivates within a minute of its own 24h rollover.
const (
	WindowSweepInterval = 30 * time.Second
	DaySweepInterval    = 60 * time.Second
)

// Sweeper resets elapsed windows and day counters.
type Sweeper struct {
	store   keystore.Store
	log     *logger.Logger
	metrics *metrics.Metrics

	now func() time.Time
}

// New creates a sweeper. metrics may be nil.
func New(store keystore.Store, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		store:   store,
		log:     log.WithModule("sweeper"),
		metrics: m,
		now:     time.Now,
	}
}

// SweepWindows resets the 30s counter of every key whose window has elapsed.
// Each reset pins the observed windowStart, so racing with a concurrent
// reservation is safe: whoever commits first wins and the other side no-ops.
func (s *Sweeper) SweepWindows(ctx context.Context) error {
	keys, err := s.store.FindAll(ctx)
	if err != nil {
		s.recordSweep("window", "error")
		return err
	}

	nowMs := s.now().UnixMilli()
	reset := 0
	for _, k := range keys {
		if nowMs-k.WindowStart < plan.WindowPeriod.Milliseconds() {
			continue
		}
		matched, err := s.store.ResetWindow(ctx, k.SubscriptionID, k.WindowStart, nowMs)
		if err != nil {
			s.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Warn("Window reset failed")
			continue
		}
		if matched {
			reset++
		}
	}

	if reset > 0 {
		s.log.WithField("reset", reset).Debug("Window sweep complete")
	}
	s.recordSweep("window", "success")
	return nil
}

// SweepDays resets the daily counter of every key whose 24h window has
// elapsed, reactivating exhausted keys. Banned keys keep their status.
func (s *Sweeper) SweepDays(ctx context.Context) error {
	keys, err := s.store.FindAll(ctx)
	if err != nil {
		s.recordSweep("day", "error")
		return err
	}

	nowMs := s.now().UnixMilli()
	reset := 0
	for _, k := range keys {
		if nowMs-k.DayStart < plan.DayPeriod.Milliseconds() {
			continue
		}
		matched, err := s.store.ResetDay(ctx, k.SubscriptionID, k.DayStart, nowMs)
		if err != nil {
			s.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Warn("Day reset failed")
			continue
		}
		if matched {
			reset++
		}
	}

	if reset > 0 {
		s.log.WithField("reset", reset).Info("Day sweep complete")
	}
	s.recordSweep("day", "success")

	s.updateKeyGauges(keys)
	return nil
}

// updateKeyGauges refreshes the per-status key counts from the last snapshot.
func (s *Sweeper) updateKeyGauges(keys []keystore.Key) {
	if s.metrics == nil {
		return
	}
	counts := map[keystore.Status]int{
		keystore.StatusActive:    0,
		keystore.StatusExhausted: 0,
		keystore.StatusBanned:    0,
	}
	for _, k := range keys {
		counts[k.Status]++
	}
	for status, n := range counts {
		s.metrics.SetKeyCount(string(status), n)
	}
}

func (s *Sweeper) recordSweep(sweep, status string) {
	if s.metrics != nil {
		s.metrics.RecordSweep(sweep, status)
	}
}
