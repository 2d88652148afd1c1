package relaygate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineris/relaygate"
)

// recordingNotifier captures anomaly events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []rg.AnomalyEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev rg.AnomalyEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []rg.AnomalyEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rg.AnomalyEvent(nil), n.events...)
}

func TestEligible_LazyClearOfExpiredRateLimits(t *testing.T) {
	pool := rg.NewAccountPool()
	for _, id := range []string{"acct-1", "acct-2", "acct-3"} {
		require.NoError(t, pool.Add(sharedAccount(id, 50)))
	}

	pool.MarkRateLimited("acct-1", time.Millisecond)
	pool.MarkRateLimited("acct-2", time.Millisecond)

	time.Sleep(5 * time.Millisecond)

	eligible := pool.Eligible(rg.PlatformClaude, "")
	require.Len(t, eligible, 3, "expired rate limits clear on the next eligibility pass")

	for _, acc := range eligible {
		assert.Equal(t, rg.StatusActive, acc.Status)
		assert.True(t, acc.RateLimitResetAt.IsZero())
	}
}

func TestEligible_ActiveRateLimitExcludes(t *testing.T) {
	pool := rg.NewAccountPool()
	require.NoError(t, pool.Add(sharedAccount("acct-1", 50)))
	require.NoError(t, pool.Add(sharedAccount("acct-2", 50)))

	pool.MarkRateLimited("acct-1", time.Hour)

	eligible := pool.Eligible(rg.PlatformClaude, "")
	require.Len(t, eligible, 1)
	assert.Equal(t, "acct-2", eligible[0].ID)
}

func TestEligible_PlatformAndTypeScoping(t *testing.T) {
	pool := rg.NewAccountPool()

	require.NoError(t, pool.Add(sharedAccount("acct-claude", 50)))

	gemini := sharedAccount("acct-gemini", 50)
	gemini.Platform = rg.PlatformGemini
	require.NoError(t, pool.Add(gemini))

	dedicated := sharedAccount("acct-ded", 50)
	dedicated.Type = rg.AccountDedicated
	require.NoError(t, pool.Add(dedicated))

	grouped := sharedAccount("acct-grp", 50)
	grouped.Type = rg.AccountGrouped
	grouped.GroupID = "grp-1"
	require.NoError(t, pool.Add(grouped))

	shared := pool.Eligible(rg.PlatformClaude, "")
	require.Len(t, shared, 1, "dedicated and grouped accounts never serve the shared pool")
	assert.Equal(t, "acct-claude", shared[0].ID)

	inGroup := pool.Eligible(rg.PlatformClaude, "grp-1")
	require.Len(t, inGroup, 1)
	assert.Equal(t, "acct-grp", inGroup[0].ID)
}

func TestEligible_ReturnsCopies(t *testing.T) {
	pool := rg.NewAccountPool()
	require.NoError(t, pool.Add(sharedAccount("acct-1", 50)))

	eligible := pool.Eligible(rg.PlatformClaude, "")
	require.Len(t, eligible, 1)
	eligible[0].Status = rg.StatusUnauthorized

	acc, ok := pool.Get("acct-1")
	require.True(t, ok)
	assert.Equal(t, rg.StatusActive, acc.Status)
}

func TestReportOutcome_Transitions(t *testing.T) {
	notifier := &recordingNotifier{}
	pool := rg.NewAccountPool(rg.WithNotifier(notifier))
	require.NoError(t, pool.Add(sharedAccount("acct-1", 50)))

	ctx := context.Background()

	pool.ReportOutcome(ctx, "acct-1", rg.Outcome{RateLimited: true, RetryAfter: time.Hour})
	acc, _ := pool.Get("acct-1")
	assert.Equal(t, rg.StatusRateLimited, acc.Status)
	assert.WithinDuration(t, time.Now().Add(time.Hour), acc.RateLimitResetAt, time.Minute)

	// A success clears a lingering rate limit early.
	pool.ReportOutcome(ctx, "acct-1", rg.Outcome{Success: true})
	acc, _ = pool.Get("acct-1")
	assert.Equal(t, rg.StatusActive, acc.Status)

	pool.ReportOutcome(ctx, "acct-1", rg.Outcome{Unauthorized: true, Reason: "token revoked"})
	acc, _ = pool.Get("acct-1")
	assert.Equal(t, rg.StatusUnauthorized, acc.Status)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, rg.StatusUnauthorized, events[0].Status)
	assert.Equal(t, "token revoked", events[0].Reason)

	// Unauthorized is terminal until an administrative reset.
	assert.False(t, pool.EligibleByID("acct-1"))
	require.NoError(t, pool.ResetStatus("acct-1"))
	assert.True(t, pool.EligibleByID("acct-1"))
}

func TestReportOutcome_RateLimitWithoutHintUsesCooldown(t *testing.T) {
	pool := rg.NewAccountPool(rg.WithDefaultCooldown(30 * time.Minute))
	require.NoError(t, pool.Add(sharedAccount("acct-1", 50)))

	pool.ReportOutcome(context.Background(), "acct-1", rg.Outcome{RateLimited: true})

	acc, _ := pool.Get("acct-1")
	assert.Equal(t, 30*time.Minute, acc.RateLimitDuration)
}

func TestAddQuotaUsage_AutoStopAndRollover(t *testing.T) {
	notifier := &recordingNotifier{}
	pool := rg.NewAccountPool(rg.WithNotifier(notifier))

	acc := sharedAccount("acct-1", 50)
	acc.DailyQuota = 10
	require.NoError(t, pool.Add(acc))

	ctx := context.Background()

	pool.AddQuotaUsage(ctx, "acct-1", 6)
	got, _ := pool.Get("acct-1")
	assert.Equal(t, rg.StatusActive, got.Status)

	pool.AddQuotaUsage(ctx, "acct-1", 5)
	got, _ = pool.Get("acct-1")
	assert.Equal(t, rg.StatusQuotaExceeded, got.Status)
	assert.InDelta(t, 11, got.QuotaUsed, 1e-9)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, rg.StatusQuotaExceeded, events[0].Status)

	assert.False(t, pool.EligibleByID("acct-1"))
}

func TestToggleSchedulable_NotifiesOnDisable(t *testing.T) {
	notifier := &recordingNotifier{}
	pool := rg.NewAccountPool(rg.WithNotifier(notifier))
	require.NoError(t, pool.Add(sharedAccount("acct-1", 50)))

	ctx := context.Background()

	on, err := pool.ToggleSchedulable(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, pool.EligibleByID("acct-1"))
	require.Len(t, notifier.all(), 1)

	// Re-enabling is silent.
	on, err = pool.ToggleSchedulable(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, on)
	assert.Len(t, notifier.all(), 1)

	_, err = pool.ToggleSchedulable(ctx, "missing")
	assert.ErrorIs(t, err, rg.ErrAccountNotFound)
}
