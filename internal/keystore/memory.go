package keystore

import (
	"context"
	"sort"
	"sync"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
)

// MemoryStore is an in-process Store used by tests and by deployments that
// run without MongoDB. It honors the same per-document atomicity contract.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]Key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]Key)}
}

// FindAll returns all key documents ordered by subscription id.
func (m *MemoryStore) FindAll(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

// FindOne returns a copy of the key with the given id.
func (m *MemoryStore) FindOne(ctx context.Context, subscriptionID string) (*Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok {
		return nil, domainerrors.ErrNotFound
	}
	return &k, nil
}

// Insert creates a new document, failing on duplicate ids.
func (m *MemoryStore) Insert(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[k.SubscriptionID]; ok {
		return domainerrors.ErrAlreadyExists
	}
	m.keys[k.SubscriptionID] = k
	return nil
}

// CompareAndSetCounters applies upd iff every pinned field still matches.
func (m *MemoryStore) CompareAndSetCounters(ctx context.Context, snap CounterSnapshot, upd CounterUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[snap.SubscriptionID]
	if !ok {
		return false, nil
	}
	if k.Status != snap.Status ||
		k.UsedInWindow != snap.UsedInWindow ||
		k.WindowStart != snap.WindowStart ||
		k.UsedDaily != snap.UsedDaily ||
		k.DayStart != snap.DayStart ||
		k.LastUsed != snap.LastUsed {
		return false, nil
	}

	k.Status = upd.Status
	k.UsedInWindow = upd.UsedInWindow
	k.WindowStart = upd.WindowStart
	k.UsedDaily = upd.UsedDaily
	k.DayStart = upd.DayStart
	k.LastUsed = upd.LastUsed
	m.keys[snap.SubscriptionID] = k
	return true, nil
}

// MarkExhausted flips status while the observed day window is unchanged.
func (m *MemoryStore) MarkExhausted(ctx context.Context, subscriptionID string, observedDayStart int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok || k.DayStart != observedDayStart || k.Status != StatusActive {
		return false, nil
	}
	k.Status = StatusExhausted
	m.keys[subscriptionID] = k
	return true, nil
}

// ResetWindow re-anchors an elapsed 30s window.
func (m *MemoryStore) ResetWindow(ctx context.Context, subscriptionID string, observedWindowStart, nowMs int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok || k.WindowStart != observedWindowStart {
		return false, nil
	}
	k.UsedInWindow = 0
	k.WindowStart = nowMs
	m.keys[subscriptionID] = k
	return true, nil
}

// ResetDay re-anchors an elapsed 24h window and reactivates exhausted keys.
func (m *MemoryStore) ResetDay(ctx context.Context, subscriptionID string, observedDayStart, nowMs int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok || k.DayStart != observedDayStart {
		return false, nil
	}
	k.UsedDaily = 0
	k.DayStart = nowMs
	if k.Status == StatusExhausted {
		k.Status = StatusActive
	}
	m.keys[subscriptionID] = k
	return true, nil
}

// UpdatePlan rewrites the plan-derived fields only.
func (m *MemoryStore) UpdatePlan(ctx context.Context, subscriptionID string, upd PlanUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok {
		return domainerrors.ErrNotFound
	}
	k.Plan = upd.Plan
	k.WindowLimit = upd.WindowLimit
	k.DailyLimit = upd.DailyLimit
	k.AvgIntervalMs = upd.AvgIntervalMs
	m.keys[subscriptionID] = k
	return nil
}

// SetStatus overrides the lifecycle status.
func (m *MemoryStore) SetStatus(ctx context.Context, subscriptionID string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[subscriptionID]
	if !ok {
		return domainerrors.ErrNotFound
	}
	k.Status = status
	m.keys[subscriptionID] = k
	return nil
}

// Delete removes a document; absent ids are a no-op.
func (m *MemoryStore) Delete(ctx context.Context, subscriptionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, subscriptionID)
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close clears the map.
func (m *MemoryStore) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = make(map[string]Key)
	return nil
}
