package relaygate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineris/relaygate"
	"github.com/ineris/relaygate/store"
)

// scriptedCaller returns a canned response per account id, failing with
// the configured error otherwise.
type scriptedCaller struct {
	mu       sync.Mutex
	fail     map[string]error
	usage    rg.Usage
	attempts []string
}

func (c *scriptedCaller) Do(_ context.Context, acc rg.UpstreamAccount, req rg.RelayRequest) (rg.RelayResult, error) {
	c.mu.Lock()
	c.attempts = append(c.attempts, acc.ID)
	err := c.fail[acc.ID]
	c.mu.Unlock()

	if err != nil {
		return rg.RelayResult{}, err
	}
	return rg.RelayResult{
		StatusCode: 200,
		Model:      req.Model,
		Usage:      c.usage,
		Body:       []byte(`{}`),
	}, nil
}

func newTestDispatcher(t *testing.T, ledger rg.LedgerStore, caller rg.UpstreamCaller, accounts ...*rg.UpstreamAccount) (*rg.Dispatcher, *rg.AccountPool) {
	t.Helper()
	pool := rg.NewAccountPool()
	for _, acc := range accounts {
		require.NoError(t, pool.Add(acc))
	}
	s := newTestScheduler(t, pool, ledger)
	return rg.NewDispatcher(s, pool, ledger, caller), pool
}

func TestRelay_Success(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{usage: rg.Usage{InputTokens: 1000, OutputTokens: 500}}

	d, _ := newTestDispatcher(t, ledger, caller, sharedAccount("acct-1", 10))

	p := apiKeyPrincipal("key-1")
	result, err := d.Relay(context.Background(), p, rg.PlatformClaude, rg.RelayRequest{
		Model: "claude-sonnet-4-20250514",
	})
	require.NoError(t, err)
	assert.Equal(t, "acct-1", result.AccountID)
	assert.Equal(t, 200, result.StatusCode)

	costs, err := ledger.Costs(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Greater(t, costs.Daily, 0.0, "a successful call settles into the cost ledger")
	assert.InDelta(t, costs.Daily, costs.Total, 1e-12)
}

func TestRelay_FailsOverOnceOnRateLimit(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{
		fail: map[string]error{
			"acct-1": &rg.UpstreamError{Err: rg.ErrUpstreamRateLimited, StatusCode: 429, RetryAfter: time.Hour},
		},
	}

	// Priority makes least-recent try acct-1 first.
	d, pool := newTestDispatcher(t, ledger, caller,
		sharedAccount("acct-1", 10), sharedAccount("acct-2", 20))

	p := apiKeyPrincipal("key-1")
	result, err := d.Relay(context.Background(), p, rg.PlatformClaude, rg.RelayRequest{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)
	assert.Equal(t, "acct-2", result.AccountID)
	assert.Equal(t, []string{"acct-1", "acct-2"}, caller.attempts)

	acc, _ := pool.Get("acct-1")
	assert.Equal(t, rg.StatusRateLimited, acc.Status)
	assert.Equal(t, time.Hour, acc.RateLimitDuration)
}

func TestRelay_SurfacesOriginalErrorWithoutAlternative(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{
		fail: map[string]error{
			"acct-1": &rg.UpstreamError{Err: rg.ErrUpstreamRateLimited, StatusCode: 429},
		},
	}

	d, _ := newTestDispatcher(t, ledger, caller, sharedAccount("acct-1", 10))

	_, err := d.Relay(context.Background(), apiKeyPrincipal("key-1"), rg.PlatformClaude, rg.RelayRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, rg.ErrUpstreamRateLimited)
	assert.Equal(t, []string{"acct-1"}, caller.attempts, "exactly one failover selection, none when no alternative exists")
}

func TestRelay_UnauthorizedIsTerminal(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{
		fail: map[string]error{
			"acct-1": &rg.UpstreamError{Err: rg.ErrUpstreamUnauthorized, StatusCode: 401},
		},
	}

	d, pool := newTestDispatcher(t, ledger, caller,
		sharedAccount("acct-1", 10), sharedAccount("acct-2", 20))

	_, err := d.Relay(context.Background(), apiKeyPrincipal("key-1"), rg.PlatformClaude, rg.RelayRequest{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, rg.ErrUpstreamUnauthorized)
	assert.Len(t, caller.attempts, 1, "auth failures never trigger failover")

	acc, _ := pool.Get("acct-1")
	assert.Equal(t, rg.StatusUnauthorized, acc.Status)
}

func TestRelay_RecordsWindowTokensOnlyWhenLimited(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{usage: rg.Usage{InputTokens: 40, OutputTokens: 60}}

	d, _ := newTestDispatcher(t, ledger, caller, sharedAccount("acct-1", 10))

	ctx := context.Background()

	// Token-limited principal: usage lands in the window.
	p := apiKeyPrincipal("key-limited")
	p.RateLimitWindow = time.Minute
	p.WindowTokenLimit = 1000

	_, err := ledger.EnsureWindow(ctx, p.ID, p.RateLimitWindow)
	require.NoError(t, err)

	_, err = d.Relay(ctx, p, rg.PlatformClaude, rg.RelayRequest{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	w, err := ledger.EnsureWindow(ctx, p.ID, p.RateLimitWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Tokens)
}

func TestRelay_QuotaUsageAccumulatesOnAccount(t *testing.T) {
	ledger := store.NewMemory()
	caller := &scriptedCaller{usage: rg.Usage{InputTokens: 1_000_000}}

	acc := sharedAccount("acct-1", 10)
	acc.DailyQuota = 100
	d, pool := newTestDispatcher(t, ledger, caller, acc)

	_, err := d.Relay(context.Background(), apiKeyPrincipal("key-1"), rg.PlatformClaude, rg.RelayRequest{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	got, _ := pool.Get("acct-1")
	assert.Greater(t, got.QuotaUsed, 0.0)
}
