package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineris/relaygate/store"
)

func TestMemory_ConcurrencyClampedAtZero(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	n, err := m.DecrConcurrency(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = m.IncrConcurrency(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = m.DecrConcurrency(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemory_ConcurrencyUnderContention(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.IncrConcurrency(ctx, "p")
			_, _ = m.DecrConcurrency(ctx, "p")
		}()
	}
	wg.Wait()

	n, err := m.Concurrency(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemory_WindowRacersAgreeOnStart(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		starts = make(map[time.Time]bool)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := m.EnsureWindow(ctx, "p", time.Minute)
			require.NoError(t, err)
			mu.Lock()
			starts[w.StartedAt] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, starts, 1, "racing initializations must agree on one window start")
}

func TestMemory_WindowReinitAfterExpiry(t *testing.T) {
	now := time.Now()
	m := store.NewMemory(store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	w1, err := m.EnsureWindow(ctx, "p", time.Minute)
	require.NoError(t, err)
	_, err = m.IncrWindowRequests(ctx, "p")
	require.NoError(t, err)
	require.NoError(t, m.AddWindowTokens(ctx, "p", 500))

	now = now.Add(59 * time.Second)
	w2, err := m.EnsureWindow(ctx, "p", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, w1.StartedAt, w2.StartedAt)
	assert.Equal(t, int64(1), w2.Requests)
	assert.Equal(t, int64(500), w2.Tokens)

	now = now.Add(2 * time.Second)
	w3, err := m.EnsureWindow(ctx, "p", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, w1.StartedAt, w3.StartedAt)
	assert.Equal(t, int64(0), w3.Requests)
	assert.Equal(t, int64(0), w3.Tokens)
}

func TestMemory_CostPeriodRollover(t *testing.T) {
	now := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC) // Monday, last day of August
	m := store.NewMemory(store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, m.AddCost(ctx, "p", 4))

	costs, err := m.Costs(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 4, costs.Daily, 1e-9)
	assert.InDelta(t, 4, costs.Total, 1e-9)

	// Midnight into September 1st: new day, new month, same ISO week.
	now = time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)

	costs, err = m.Costs(ctx, "p")
	require.NoError(t, err)
	assert.InDelta(t, 0, costs.Daily, 1e-9)
	assert.InDelta(t, 4, costs.Weekly, 1e-9)
	assert.InDelta(t, 0, costs.Monthly, 1e-9)
	assert.InDelta(t, 4, costs.Total, 1e-9, "the total period never resets")
}

func TestMemory_SessionBindingExpires(t *testing.T) {
	now := time.Now()
	m := store.NewMemory(store.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, m.BindSession(ctx, "hash-1", "acct-1", time.Hour))

	got, err := m.SessionAccount(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got)

	now = now.Add(61 * time.Minute)
	got, err = m.SessionAccount(ctx, "hash-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_UnbindSession(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.BindSession(ctx, "hash-1", "acct-1", time.Hour))
	require.NoError(t, m.UnbindSession(ctx, "hash-1"))

	got, err := m.SessionAccount(ctx, "hash-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
