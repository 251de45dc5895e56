package registry

import (
	"context"
	"io"
	"testing"

	domainerrors "github.com/mailtester/keybroker-go/internal/errors"
	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *keystore.MemoryStore) {
	store := keystore.NewMemoryStore()
	log := logger.NewWithWriter("error", io.Discard)
	return New(store, plan.DefaultPolicy(), log), store
}

func TestRegisterCreatesFreshKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newTestRegistry()

	require.NoError(t, r.Register(ctx, "sub_pro_test", "pro"))

	k, err := store.FindOne(ctx, "sub_pro_test")
	require.NoError(t, err)
	assert.Equal(t, plan.Pro, k.Plan)
	assert.Equal(t, keystore.StatusActive, k.Status)
	assert.Equal(t, 35, k.WindowLimit)
	assert.Equal(t, 100_000, k.DailyLimit)
	assert.Equal(t, int64(860), k.AvgIntervalMs)
	assert.Zero(t, k.UsedInWindow)
	assert.Zero(t, k.UsedDaily)
	assert.Zero(t, k.LastUsed)
	assert.NotZero(t, k.WindowStart)
	assert.Equal(t, k.WindowStart, k.DayStart)
}

func TestRegisterNormalizesPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newTestRegistry()

	require.NoError(t, r.Register(ctx, "sub_a", "PRO"))
	k, err := store.FindOne(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, plan.Pro, k.Plan)

	// Unrecognized plans collapse to ultimate instead of failing.
	require.NoError(t, r.Register(ctx, "sub_b", "enterprise"))
	k, err = store.FindOne(ctx, "sub_b")
	require.NoError(t, err)
	assert.Equal(t, plan.Ultimate, k.Plan)
	assert.Equal(t, 170, k.WindowLimit)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newTestRegistry()

	assert.ErrorIs(t, r.Register(ctx, "", "pro"), domainerrors.ErrInvalidInput)
	assert.ErrorIs(t, r.Register(ctx, "   ", "pro"), domainerrors.ErrInvalidInput)
}

func TestReRegisterPreservesCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newTestRegistry()

	require.NoError(t, r.Register(ctx, "sub_a", "pro"))

	// Simulate one reservation having happened.
	k, err := store.FindOne(ctx, "sub_a")
	require.NoError(t, err)
	matched, err := store.CompareAndSetCounters(ctx, keystore.SnapshotOf(*k), keystore.CounterUpdate{
		Status:       keystore.StatusActive,
		UsedInWindow: 1,
		WindowStart:  k.WindowStart,
		UsedDaily:    1,
		DayStart:     k.DayStart,
		LastUsed:     k.WindowStart + 100,
	})
	require.NoError(t, err)
	require.True(t, matched)

	require.NoError(t, r.Register(ctx, "sub_a", "ultimate"))

	got, err := store.FindOne(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, plan.Ultimate, got.Plan)
	assert.Equal(t, 170, got.WindowLimit)
	assert.Equal(t, int64(170), got.AvgIntervalMs)
	assert.Equal(t, 1, got.UsedInWindow, "counters survive re-registration")
	assert.Equal(t, 1, got.UsedDaily)
	assert.Equal(t, k.WindowStart+100, got.LastUsed)
	assert.Equal(t, k.WindowStart, got.WindowStart)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newTestRegistry()

	require.NoError(t, r.Register(ctx, "sub_a", "pro"))
	require.NoError(t, r.Delete(ctx, "sub_a"))

	_, err := store.FindOne(ctx, "sub_a")
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)

	require.NoError(t, r.Delete(ctx, "sub_a"), "absent delete is a no-op")
	assert.ErrorIs(t, r.Delete(ctx, ""), domainerrors.ErrInvalidInput)
}

func TestListLimitsProjection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, store := newTestRegistry()

	require.NoError(t, r.Register(ctx, "sub_used", "pro"))
	require.NoError(t, r.Register(ctx, "sub_idle", "ultimate"))

	k, err := store.FindOne(ctx, "sub_used")
	require.NoError(t, err)
	matched, err := store.CompareAndSetCounters(ctx, keystore.SnapshotOf(*k), keystore.CounterUpdate{
		Status:       keystore.StatusActive,
		UsedInWindow: 1,
		WindowStart:  k.WindowStart,
		UsedDaily:    1,
		DayStart:     k.DayStart,
		LastUsed:     5_000,
	})
	require.NoError(t, err)
	require.True(t, matched)

	limits, err := r.ListLimits(ctx)
	require.NoError(t, err)
	require.Len(t, limits, 2)

	status, err := r.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)

	// The limits rows must agree with the status rows column for column.
	for i, e := range limits {
		assert.Equal(t, status[i].SubscriptionID, e.SubscriptionID)
		assert.Equal(t, status[i].Plan, e.Plan)
		assert.Equal(t, status[i].WindowLimit, e.WindowLimit)
		assert.Equal(t, status[i].DailyLimit, e.DailyLimit)
		assert.Equal(t, status[i].AvgIntervalMs, e.AvgIntervalMs)
		assert.Equal(t, status[i].LastUsed, e.LastUsed)
	}

	byID := map[string]LimitsEntry{}
	for _, e := range limits {
		byID[e.SubscriptionID] = e
	}
	assert.Equal(t, int64(5_000+860), byID["sub_used"].NextRequestAllowedAt)
	assert.Zero(t, byID["sub_idle"].NextRequestAllowedAt, "never-used key has no next-allowed time")
}
