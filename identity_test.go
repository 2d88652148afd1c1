package relaygate_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rg "github.com/ineris/relaygate"
)

// memKeyStore is a map-backed KeyStore counting lookups.
type memKeyStore struct {
	mu      sync.Mutex
	records map[string]*rg.KeyRecord
	lookups int
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{records: make(map[string]*rg.KeyRecord)}
}

func (s *memKeyStore) add(raw string, rec rg.KeyRecord) {
	rec.Hash = rg.HashKey(raw)
	s.mu.Lock()
	s.records[rec.Hash] = &rec
	s.mu.Unlock()
}

func (s *memKeyStore) FindByHash(_ context.Context, hash string) (*rg.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	rec, ok := s.records[hash]
	if !ok {
		return nil, rg.ErrNotFound
	}
	return rec, nil
}

func (s *memKeyStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

// memSessionStore is a map-backed SessionStore recording touches and
// deletes.
type memSessionStore struct {
	mu      sync.Mutex
	records map[string]*rg.SessionRecord
	touches int
	deletes int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{records: make(map[string]*rg.SessionRecord)}
}

func (s *memSessionStore) add(rec rg.SessionRecord) {
	s.mu.Lock()
	cp := rec
	s.records[rec.Token] = &cp
	s.mu.Unlock()
}

func (s *memSessionStore) Find(_ context.Context, token string) (*rg.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return nil, rg.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memSessionStore) Touch(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[token]; ok {
		rec.LastActiveAt = at
		s.touches++
	}
	return nil
}

func (s *memSessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, token)
	s.deletes++
	return nil
}

const (
	testRawKey     = "cr_0123456789abcdef0123456789abcdef"
	testSessionTok = "f3a9c1d24be8a0517c6e9d2b8f4a1c3e5d7b9f01"
	testAdminTok   = "admintoken-0123456789abcdef0123456789"
)

func newTestResolver(t *testing.T, keys *memKeyStore, sessions *memSessionStore, opts ...rg.ResolverOption) *rg.IdentityResolver {
	t.Helper()
	return rg.NewIdentityResolver(keys, sessions, opts...)
}

func TestDetectCredential_Precedence(t *testing.T) {
	tests := []struct {
		name string
		src  rg.CredentialSources
		kind rg.CredentialKind
		val  string
	}{
		{
			name: "explicit api-key header beats admin token",
			src:  rg.CredentialSources{AdminToken: testAdminTok, APIKeyHeader: testRawKey},
			kind: rg.CredentialAPIKey,
			val:  testRawKey,
		},
		{
			name: "bearer heuristic beats admin token",
			src:  rg.CredentialSources{AdminToken: testAdminTok, Bearer: testRawKey},
			kind: rg.CredentialAPIKey,
			val:  testRawKey,
		},
		{
			name: "admin token beats session carriers",
			src:  rg.CredentialSources{AdminToken: testAdminTok, SessionHeader: testSessionTok},
			kind: rg.CredentialAdmin,
			val:  testAdminTok,
		},
		{
			name: "explicit api-key header beats bearer",
			src:  rg.CredentialSources{APIKeyHeader: testRawKey, Bearer: testSessionTok},
			kind: rg.CredentialAPIKey,
			val:  testRawKey,
		},
		{
			name: "query key counts as explicit",
			src:  rg.CredentialSources{QueryKey: testRawKey},
			kind: rg.CredentialAPIKey,
			val:  testRawKey,
		},
		{
			name: "prefixed bearer is an api key",
			src:  rg.CredentialSources{Bearer: testRawKey},
			kind: rg.CredentialAPIKey,
			val:  testRawKey,
		},
		{
			name: "session-shaped bearer is a session",
			src:  rg.CredentialSources{Bearer: testSessionTok},
			kind: rg.CredentialSession,
			val:  testSessionTok,
		},
		{
			name: "odd bearer still tried as api key",
			src:  rg.CredentialSources{Bearer: "sk-something short"},
			kind: rg.CredentialAPIKey,
			val:  "sk-something short",
		},
		{
			name: "session header",
			src:  rg.CredentialSources{SessionHeader: testSessionTok},
			kind: rg.CredentialSession,
			val:  testSessionTok,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := rg.DetectCredential(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, det.Kind)
			assert.Equal(t, tt.val, det.Value)
		})
	}
}

func TestDetectCredential_ConfidenceCountsAgreement(t *testing.T) {
	det, err := rg.DetectCredential(rg.CredentialSources{
		APIKeyHeader: testRawKey,
		QueryKey:     testRawKey,
		Bearer:       testRawKey,
	})
	require.NoError(t, err)
	assert.Equal(t, rg.CredentialAPIKey, det.Kind)
	assert.Equal(t, 3, det.Confidence)
}

func TestDetectCredential_Missing(t *testing.T) {
	_, err := rg.DetectCredential(rg.CredentialSources{})
	assert.ErrorIs(t, err, rg.ErrMissingCredential)
}

func TestResolveKey_ValidAndCached(t *testing.T) {
	keys := newMemKeyStore()
	keys.add(testRawKey, rg.KeyRecord{ID: "key-1", Name: "ci", ConcurrencyLimit: 3})

	r := newTestResolver(t, keys, newMemSessionStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p, err := r.Resolve(ctx, rg.CredentialSources{APIKeyHeader: testRawKey})
		require.NoError(t, err)
		assert.Equal(t, "key-1", p.ID)
		assert.Equal(t, rg.KindAPIKey, p.Kind)
		assert.Equal(t, int64(3), p.ConcurrencyLimit)
	}

	assert.Equal(t, 1, keys.lookupCount(), "repeat resolutions should hit the cache")
}

func TestResolveKey_InvalidateForcesLookup(t *testing.T) {
	keys := newMemKeyStore()
	keys.add(testRawKey, rg.KeyRecord{ID: "key-1"})

	r := newTestResolver(t, keys, newMemSessionStore())
	ctx := context.Background()

	_, err := r.Resolve(ctx, rg.CredentialSources{APIKeyHeader: testRawKey})
	require.NoError(t, err)

	r.InvalidateKey(testRawKey)

	_, err = r.Resolve(ctx, rg.CredentialSources{APIKeyHeader: testRawKey})
	require.NoError(t, err)
	assert.Equal(t, 2, keys.lookupCount())
}

func TestResolveKey_Failures(t *testing.T) {
	keys := newMemKeyStore()
	keys.add(testRawKey, rg.KeyRecord{ID: "key-1"})

	disabledRaw := "cr_disabled9876543210fedcba"
	keys.add(disabledRaw, rg.KeyRecord{ID: "key-2", Disabled: true})

	expiredRaw := "cr_expired9876543210fedcba"
	keys.add(expiredRaw, rg.KeyRecord{ID: "key-3", ExpiresAt: time.Now().Add(-time.Hour)})

	r := newTestResolver(t, keys, newMemSessionStore())
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown key", "cr_nosuchkey1234567890", rg.ErrInvalidKey},
		{"disabled key", disabledRaw, rg.ErrInvalidKey},
		{"expired key", expiredRaw, rg.ErrInvalidKey},
		{"too short", "cr_x", rg.ErrInvalidFormat},
		{"too long", "cr_" + strings.Repeat("a", 600), rg.ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(ctx, rg.CredentialSources{APIKeyHeader: tt.raw})
			require.Error(t, err)
			assert.True(t, rg.IsAuthError(err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveSession_Valid(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.add(rg.SessionRecord{
		Token:    testSessionTok,
		UserID:   "user-1",
		Username: "alex",
	})

	r := newTestResolver(t, newMemKeyStore(), sessions)

	p, err := r.Resolve(context.Background(), rg.CredentialSources{SessionHeader: testSessionTok})
	require.NoError(t, err)
	assert.Equal(t, rg.KindUserSession, p.Kind)
	assert.Equal(t, "user-1", p.ID)
}

func TestResolveSession_Expired(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.add(rg.SessionRecord{
		Token:     testSessionTok,
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	r := newTestResolver(t, newMemKeyStore(), sessions)

	_, err := r.Resolve(context.Background(), rg.CredentialSources{SessionHeader: testSessionTok})
	assert.ErrorIs(t, err, rg.ErrInvalidSession)
}

func TestResolveAdmin_IdleSessionDeleted(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.add(rg.SessionRecord{
		Token:        testAdminTok,
		UserID:       "admin-1",
		IsAdmin:      true,
		LastActiveAt: time.Now().Add(-25 * time.Hour),
	})

	r := newTestResolver(t, newMemKeyStore(), sessions)

	_, err := r.Resolve(context.Background(), rg.CredentialSources{AdminToken: testAdminTok})
	assert.ErrorIs(t, err, rg.ErrInvalidSession)
	assert.Equal(t, 1, sessions.deletes, "idle admin sessions are deleted, not just rejected")
}

func TestResolveAdmin_TouchCoalescing(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.add(rg.SessionRecord{
		Token:        testAdminTok,
		UserID:       "admin-1",
		IsAdmin:      true,
		LastActiveAt: time.Now().Add(-10 * time.Minute),
	})

	r := newTestResolver(t, newMemKeyStore(), sessions)
	ctx := context.Background()

	// First resolve is past the coalescing interval: one touch.
	p, err := r.Resolve(ctx, rg.CredentialSources{AdminToken: testAdminTok})
	require.NoError(t, err)
	assert.Equal(t, rg.KindAdminSession, p.Kind)
	assert.Equal(t, 1, sessions.touches)

	// Immediate repeats are coalesced away.
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ctx, rg.CredentialSources{AdminToken: testAdminTok})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sessions.touches)
}

func TestResolveAdmin_NonAdminSessionRejected(t *testing.T) {
	sessions := newMemSessionStore()
	sessions.add(rg.SessionRecord{
		Token:        testAdminTok,
		UserID:       "user-1",
		IsAdmin:      false,
		LastActiveAt: time.Now(),
	})

	r := newTestResolver(t, newMemKeyStore(), sessions)

	_, err := r.Resolve(context.Background(), rg.CredentialSources{AdminToken: testAdminTok})
	assert.ErrorIs(t, err, rg.ErrInvalidSession)
}

func TestFlagCache_RefreshAndKeepOnError(t *testing.T) {
	var (
		mu    sync.Mutex
		value = true
		fail  bool
	)
	fetch := func(context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return false, assert.AnError
		}
		return value, nil
	}

	f := rg.NewFlagCache(fetch, 10*time.Millisecond, nil)
	f.Start(context.Background())
	defer f.Stop()

	assert.True(t, f.Get(), "Start fetches once immediately")

	mu.Lock()
	fail = true
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	assert.True(t, f.Get(), "a failed refresh keeps the previous value")

	mu.Lock()
	fail = false
	value = false
	mu.Unlock()
	assert.Eventually(t, func() bool { return !f.Get() }, time.Second, 5*time.Millisecond)
}
