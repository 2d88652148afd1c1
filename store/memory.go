// Package store provides the in-memory LedgerStore. It backs tests and
// single-node deployments; multi-instance deployments use store/redis.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineris/relaygate"
)

// Memory is a mutex-guarded LedgerStore with lazy TTL expiry.
type Memory struct {
	mu sync.Mutex

	now func() time.Time

	concurrency map[string]int64
	windows     map[string]*memWindow
	costs       map[string]*memCosts
	sessions    map[string]memSession
}

type memWindow struct {
	startedAt time.Time
	duration  time.Duration
	requests  int64
	tokens    int64
}

type memCosts struct {
	daily   float64
	dayKey  string
	weekly  float64
	weekKey string
	monthly float64
	monKey  string
	total   float64
}

type memSession struct {
	accountID string
	expiresAt time.Time
}

var _ relaygate.LedgerStore = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source, for tests exercising window and
// period expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:         time.Now,
		concurrency: make(map[string]int64),
		windows:     make(map[string]*memWindow),
		costs:       make(map[string]*memCosts),
		sessions:    make(map[string]memSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IncrConcurrency atomically increments the live-lease counter.
func (m *Memory) IncrConcurrency(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency[principalID]++
	return m.concurrency[principalID], nil
}

// DecrConcurrency atomically decrements the counter, clamped at zero.
func (m *Memory) DecrConcurrency(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.concurrency[principalID] > 0 {
		m.concurrency[principalID]--
	}
	return m.concurrency[principalID], nil
}

// Concurrency returns the current live-lease count.
func (m *Memory) Concurrency(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrency[principalID], nil
}

// EnsureWindow initializes the window when absent or expired. The whole
// operation runs under one lock, so two racing initializations agree on a
// single windowStart.
func (m *Memory) EnsureWindow(_ context.Context, principalID string, duration time.Duration) (relaygate.Window, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[principalID]
	if !ok || now.Sub(w.startedAt) >= w.duration {
		w = &memWindow{startedAt: now, duration: duration}
		m.windows[principalID] = w
	}

	return relaygate.Window{
		StartedAt: w.startedAt,
		Duration:  w.duration,
		Requests:  w.requests,
		Tokens:    w.tokens,
	}, nil
}

// IncrWindowRequests increments the active window's request count.
func (m *Memory) IncrWindowRequests(_ context.Context, principalID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[principalID]
	if !ok {
		return 0, nil
	}
	w.requests++
	return w.requests, nil
}

// AddWindowTokens adds reported tokens to the active window.
func (m *Memory) AddWindowTokens(_ context.Context, principalID string, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[principalID]; ok {
		w.tokens += tokens
	}
	return nil
}

// AddCost adds a dollar amount to every accounting period, rolling each
// period over when its bucket key changed.
func (m *Memory) AddCost(_ context.Context, principalID string, amount float64) error {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.costs[principalID]
	if !ok {
		c = &memCosts{}
		m.costs[principalID] = c
	}
	m.rollPeriods(c, now)

	c.daily += amount
	c.weekly += amount
	c.monthly += amount
	c.total += amount
	return nil
}

// Costs returns the running cost per period.
func (m *Memory) Costs(_ context.Context, principalID string) (relaygate.CostSnapshot, error) {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.costs[principalID]
	if !ok {
		return relaygate.CostSnapshot{}, nil
	}
	m.rollPeriods(c, now)

	return relaygate.CostSnapshot{
		Daily:   c.daily,
		Weekly:  c.weekly,
		Monthly: c.monthly,
		Total:   c.total,
	}, nil
}

// BindSession maps a session hash to an account until the TTL passes.
func (m *Memory) BindSession(_ context.Context, sessionHash, accountID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionHash] = memSession{accountID: accountID, expiresAt: m.now().Add(ttl)}
	return nil
}

// SessionAccount returns the bound account id, or "" when absent/expired.
func (m *Memory) SessionAccount(_ context.Context, sessionHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionHash]
	if !ok {
		return "", nil
	}
	if m.now().After(s.expiresAt) {
		delete(m.sessions, sessionHash)
		return "", nil
	}
	return s.accountID, nil
}

// UnbindSession drops a session binding.
func (m *Memory) UnbindSession(_ context.Context, sessionHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionHash)
	return nil
}

// rollPeriods zeroes any period whose bucket key moved on. Caller holds
// the lock.
func (m *Memory) rollPeriods(c *memCosts, now time.Time) {
	if key := dayKey(now); c.dayKey != key {
		c.daily = 0
		c.dayKey = key
	}
	if key := weekKey(now); c.weekKey != key {
		c.weekly = 0
		c.weekKey = key
	}
	if key := monthKey(now); c.monKey != key {
		c.monthly = 0
		c.monKey = key
	}
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.Format("2006-01") }
