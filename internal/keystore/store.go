package keystore

import (
	"context"

	"github.com/mailtester/keybroker-go/internal/plan"
)

// CounterSnapshot pins the mutable fields of a key document as observed by a
// reader. A compare-and-set update applies only while every pinned field is
// still unchanged in the store.
type CounterSnapshot struct {
	SubscriptionID string
	Status         Status
	UsedInWindow   int
	WindowStart    int64
	UsedDaily      int
	DayStart       int64
	LastUsed       int64
}

// SnapshotOf extracts the CAS pin for a key document.
func SnapshotOf(k Key) CounterSnapshot {
	return CounterSnapshot{
		SubscriptionID: k.SubscriptionID,
		Status:         k.Status,
		UsedInWindow:   k.UsedInWindow,
		WindowStart:    k.WindowStart,
		UsedDaily:      k.UsedDaily,
		DayStart:       k.DayStart,
		LastUsed:       k.LastUsed,
	}
}

// CounterUpdate holds the replacement values for a counter CAS.
type CounterUpdate struct {
	Status       Status
	UsedInWindow int
	WindowStart  int64
	UsedDaily    int
	DayStart     int64
	LastUsed     int64
}

// PlanUpdate rewrites the plan-derived fields of an existing key. Counters,
// anchors and lastUsed are never touched by a plan update.
type PlanUpdate struct {
	Plan          plan.Plan
	WindowLimit   int
	DailyLimit    int
	AvgIntervalMs int64
}

// Store is the durable key document collection. Implementations must make
// each update atomic per document; cross-document atomicity is not required.
type Store interface {
	// FindAll returns a snapshot of every key document.
	FindAll(ctx context.Context) ([]Key, error)

	// FindOne returns the key with the given subscription id, or
	// errors.ErrNotFound.
	FindOne(ctx context.Context, subscriptionID string) (*Key, error)

	// Insert creates a new key document. Returns errors.ErrAlreadyExists
	// when a document with the same subscription id is present.
	Insert(ctx context.Context, k Key) error

	// CompareAndSetCounters applies upd if and only if the stored document
	// still matches every field pinned in snap. Returns false without error
	// when the document changed underneath the caller.
	CompareAndSetCounters(ctx context.Context, snap CounterSnapshot, upd CounterUpdate) (bool, error)

	// MarkExhausted flips status to exhausted provided the observed day
	// window has not rolled over in the meantime.
	MarkExhausted(ctx context.Context, subscriptionID string, observedDayStart int64) (bool, error)

	// ResetWindow zeroes the window counter and re-anchors windowStart at
	// nowMs, provided windowStart is still the observed value.
	ResetWindow(ctx context.Context, subscriptionID string, observedWindowStart, nowMs int64) (bool, error)

	// ResetDay zeroes the daily counter and re-anchors dayStart at nowMs,
	// provided dayStart is still the observed value. Exhausted keys become
	// active again; banned keys keep their status.
	ResetDay(ctx context.Context, subscriptionID string, observedDayStart, nowMs int64) (bool, error)

	// UpdatePlan rewrites plan, limits and spacing of an existing key.
	// Returns errors.ErrNotFound when the key is absent.
	UpdatePlan(ctx context.Context, subscriptionID string, upd PlanUpdate) error

	// SetStatus overrides the lifecycle status. Reserved for reconcilers.
	SetStatus(ctx context.Context, subscriptionID string, status Status) error

	// Delete removes a key document. Deleting an absent key is a no-op.
	Delete(ctx context.Context, subscriptionID string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
