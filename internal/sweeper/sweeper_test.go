package sweeper

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSweeper(store keystore.Store) (*Sweeper, *fakeClock) {
	log := logger.NewWithWriter("error", io.Discard)
	s := New(store, log, nil)
	clock := newFakeClock()
	s.now = clock.Now
	return s, clock
}

func TestSweepWindowsResetsElapsedOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	sw, clock := newTestSweeper(store)

	limits := plan.DefaultPolicy().Limits(plan.Pro)
	fresh := keystore.NewKey("sub_fresh", plan.Pro, limits, clock.Now().UnixMilli())
	fresh.UsedInWindow = 5
	require.NoError(t, store.Insert(ctx, fresh))

	stale := keystore.NewKey("sub_stale", plan.Pro, limits, clock.Now().Add(-time.Minute).UnixMilli())
	stale.UsedInWindow = 12
	require.NoError(t, store.Insert(ctx, stale))

	require.NoError(t, sw.SweepWindows(ctx))

	k, err := store.FindOne(ctx, "sub_fresh")
	require.NoError(t, err)
	assert.Equal(t, 5, k.UsedInWindow, "unexpired window must not reset")

	k, err = store.FindOne(ctx, "sub_stale")
	require.NoError(t, err)
	assert.Equal(t, 0, k.UsedInWindow)
	assert.Equal(t, clock.Now().UnixMilli(), k.WindowStart)
}

func TestSweepDaysReactivatesExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	sw, clock := newTestSweeper(store)

	limits := plan.DefaultPolicy().Limits(plan.Pro)
	dayAgo := clock.Now().Add(-25 * time.Hour).UnixMilli()

	exhausted := keystore.NewKey("sub_exhausted", plan.Pro, limits, dayAgo)
	exhausted.Status = keystore.StatusExhausted
	exhausted.UsedDaily = limits.DailyLimit
	require.NoError(t, store.Insert(ctx, exhausted))

	banned := keystore.NewKey("sub_banned", plan.Pro, limits, dayAgo)
	banned.Status = keystore.StatusBanned
	require.NoError(t, store.Insert(ctx, banned))

	require.NoError(t, sw.SweepDays(ctx))

	k, err := store.FindOne(ctx, "sub_exhausted")
	require.NoError(t, err)
	assert.Equal(t, keystore.StatusActive, k.Status)
	assert.Equal(t, 0, k.UsedDaily)

	k, err = store.FindOne(ctx, "sub_banned")
	require.NoError(t, err)
	assert.Equal(t, keystore.StatusBanned, k.Status, "sweep never reactivates banned keys")
}

func TestSweepDaysSkipsCurrentDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	sw, clock := newTestSweeper(store)

	limits := plan.DefaultPolicy().Limits(plan.Ultimate)
	k := keystore.NewKey("sub_a", plan.Ultimate, limits, clock.Now().UnixMilli())
	k.UsedDaily = 100
	require.NoError(t, store.Insert(ctx, k))

	require.NoError(t, sw.SweepDays(ctx))

	got, err := store.FindOne(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, 100, got.UsedDaily)
}

func TestSweepsAreIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := keystore.NewMemoryStore()
	sw, clock := newTestSweeper(store)

	limits := plan.DefaultPolicy().Limits(plan.Pro)
	k := keystore.NewKey("sub_a", plan.Pro, limits, clock.Now().Add(-25*time.Hour).UnixMilli())
	k.UsedInWindow = 3
	k.UsedDaily = 9
	require.NoError(t, store.Insert(ctx, k))

	require.NoError(t, sw.SweepWindows(ctx))
	require.NoError(t, sw.SweepDays(ctx))
	require.NoError(t, sw.SweepWindows(ctx))
	require.NoError(t, sw.SweepDays(ctx))

	got, err := store.FindOne(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.UsedInWindow)
	assert.Equal(t, 0, got.UsedDaily)
	assert.Equal(t, clock.Now().UnixMilli(), got.WindowStart)
	assert.Equal(t, clock.Now().UnixMilli(), got.DayStart)
}
