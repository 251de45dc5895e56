// Package engine selects keys and enforces their rate quotas.
//
// The engine holds no locks and caches no counters: it snapshots the key
// collection, computes effective usage with expired windows treated as reset,
// and commits exactly one reservation through a filtered compare-and-set.
// Losing a CAS round means another caller won that key; the engine moves on
// to the next candidate and, when the whole round fails, retries the
// procedure a bounded number of times.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/metrics"
	"github.com/mailtester/keybroker-go/internal/plan"
)

const (
	reserveAttempts = 3
	retryBackoff    = 20 * time.Millisecond
)

// Reservation describes one committed key reservation.
type Reservation struct {
	SubscriptionID       string    `json:"subscriptionId"`
	Plan                 plan.Plan `json:"plan"`
	AvgIntervalMs        int64     `json:"avgRequestIntervalMs"`
	LastUsed             int64     `json:"lastUsed"`
	NextRequestAllowedAt int64     `json:"nextRequestAllowedAt"`
}

// Engine is the reservation engine. Safe for concurrent use.
type Engine struct {
	store   keystore.Store
	log     *logger.Logger
	metrics *metrics.Metrics

	// now is swappable in tests.
	now func() time.Time
}

// New creates a reservation engine. metrics may be nil.
func New(store keystore.Store, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		log:     log.WithModule("engine"),
		metrics: m,
		now:     time.Now,
	}
}

// candidate pairs a key snapshot with its usage as of "now": counters of an
// elapsed window count as zero even before any sweep has reset them.
type candidate struct {
	key           keystore.Key
	effWindow     int
	effDaily      int
	windowExpired bool
	dayExpired    bool
}

// Reserve picks an eligible key and atomically consumes one unit of its
// window and daily quota. Returns (nil, nil) when no key is available right
// now; that is an expected outcome, not an error.
func (e *Engine) Reserve(ctx context.Context) (*Reservation, error) {
	if e.metrics != nil {
		start := time.Now()
		defer func() {
			e.metrics.RecordReserveDuration(time.Since(start).Seconds())
		}()
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, contended, err := e.reserveOnce(ctx)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if !contended {
			// No candidate at all: retrying immediately cannot help.
			e.recordNone()
			return nil, nil
		}

		if attempt < reserveAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
	}
	e.recordNone()
	return nil, nil
}

func (e *Engine) recordNone() {
	if e.metrics != nil {
		e.metrics.RecordReservation("any", "none")
	}
}

// reserveOnce runs a single snapshot-and-CAS round. contended reports whether
// candidates existed but every CAS lost.
func (e *Engine) reserveOnce(ctx context.Context) (res *Reservation, contended bool, err error) {
	keys, err := e.store.FindAll(ctx)
	if err != nil {
		return nil, false, err
	}

	nowMs := e.now().UnixMilli()
	windowMs := plan.WindowPeriod.Milliseconds()
	dayMs := plan.DayPeriod.Milliseconds()

	candidates := make([]candidate, 0, len(keys))
	for _, k := range keys {
		if k.SubscriptionID == "" || k.WindowLimit <= 0 || k.DailyLimit <= 0 || k.AvgIntervalMs <= 0 {
			// Corrupted document: skip it, never crash on it.
			e.log.WithField("subscription_id", k.SubscriptionID).
				Error("Skipping malformed key document")
			continue
		}
		if k.Status != keystore.StatusActive {
			continue
		}

		c := candidate{
			key:           k,
			windowExpired: nowMs-k.WindowStart >= windowMs,
			dayExpired:    nowMs-k.DayStart >= dayMs,
			effWindow:     k.UsedInWindow,
			effDaily:      k.UsedDaily,
		}
		if c.windowExpired {
			c.effWindow = 0
		}
		if c.dayExpired {
			c.effDaily = 0
		}

		if !c.dayExpired && k.UsedDaily >= k.DailyLimit {
			// Drained for the day but still marked active; flip it so
			// later snapshots skip it cheaply. Best effort only.
			if _, err := e.store.MarkExhausted(ctx, k.SubscriptionID, k.DayStart); err != nil {
				e.log.WithError(err).
					WithField("subscription_id", k.SubscriptionID).
					Warn("Failed to mark key exhausted")
			}
			continue
		}
		if c.effDaily >= k.DailyLimit || c.effWindow >= k.WindowLimit {
			continue
		}
		if nowMs < k.LastUsed+k.AvgIntervalMs {
			// Spacing guard: the interval is a hard floor between
			// reservations of the same key.
			continue
		}

		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}

	// Least-used-first keeps load balanced across the pool. Ties go to the
	// longest-idle key, then to the lexicographically smallest id so the
	// order is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.effWindow != b.effWindow {
			return a.effWindow < b.effWindow
		}
		if a.key.LastUsed != b.key.LastUsed {
			return a.key.LastUsed < b.key.LastUsed
		}
		return a.key.SubscriptionID < b.key.SubscriptionID
	})

	for _, c := range candidates {
		k := c.key

		upd := keystore.CounterUpdate{
			UsedInWindow: c.effWindow + 1,
			WindowStart:  k.WindowStart,
			UsedDaily:    c.effDaily + 1,
			DayStart:     k.DayStart,
			LastUsed:     nowMs,
			Status:       keystore.StatusActive,
		}
		if c.windowExpired {
			upd.WindowStart = nowMs
		}
		if c.dayExpired {
			upd.DayStart = nowMs
		}
		if upd.UsedDaily >= k.DailyLimit {
			upd.Status = keystore.StatusExhausted
		}

		matched, err := e.store.CompareAndSetCounters(ctx, keystore.SnapshotOf(k), upd)
		if err != nil {
			// Transient store hiccups count as a lost round; the outer
			// attempt loop absorbs them.
			e.log.WithError(err).
				WithField("subscription_id", k.SubscriptionID).
				Warn("Counter CAS failed")
			contended = true
			continue
		}
		if !matched {
			if e.metrics != nil {
				e.metrics.RecordCASConflict()
			}
			contended = true
			continue
		}

		if e.metrics != nil {
			e.metrics.RecordReservation(string(k.Plan), "ok")
		}
		return &Reservation{
			SubscriptionID:       k.SubscriptionID,
			Plan:                 k.Plan,
			AvgIntervalMs:        k.AvgIntervalMs,
			LastUsed:             nowMs,
			NextRequestAllowedAt: nowMs + k.AvgIntervalMs,
		}, false, nil
	}

	return nil, contended, nil
}
