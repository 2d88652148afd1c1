package relaygate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Key and session token shape bounds.
const (
	apiKeyMinLen       = 10
	apiKeyMaxLen       = 512
	sessionTokenMinLen = 32
	sessionTokenMaxLen = 1024
	adminTokenMinLen   = 32
)

// APIKeyPrefix marks a bearer token as a gateway-issued API key during
// credential detection.
const APIKeyPrefix = "cr_"

const (
	adminIdleCeiling    = 24 * time.Hour
	adminTouchCoalesce  = 5 * time.Minute
	adminLookupDeadline = 3 * time.Second
)

// CredentialSources carries every place a request may present a
// credential. The boundary fills it; resolution applies the precedence.
type CredentialSources struct {
	APIKeyHeader  string // x-api-key
	Bearer        string // Authorization: Bearer <token>
	QueryKey      string // ?key=
	SessionHeader string // x-session-token
	SessionCookie string
	AdminToken    string // x-admin-token
}

// CredentialKind is what detection decided a raw credential is.
type CredentialKind string

const (
	CredentialAPIKey  CredentialKind = "api-key"
	CredentialSession CredentialKind = "session"
	CredentialAdmin   CredentialKind = "admin"
)

// Detection is the outcome of credential classification. Confidence
// counts the independent sources that agreed; it is diagnostic only and
// never drives the decision.
type Detection struct {
	Kind       CredentialKind
	Value      string
	Confidence int
}

// DetectCredential classifies the raw credential with fixed precedence:
// explicit api-key header/query, then the bearer-token heuristic (the
// issued-key prefix marks an API key, token shape marks a session), then
// the dedicated admin and session carriers.
func DetectCredential(src CredentialSources) (Detection, error) {
	if src.APIKeyHeader != "" || src.QueryKey != "" {
		value := src.APIKeyHeader
		confidence := 0
		if src.APIKeyHeader != "" {
			confidence++
		}
		if src.QueryKey != "" {
			confidence++
			if value == "" {
				value = src.QueryKey
			}
		}
		if src.Bearer != "" && src.Bearer == value {
			confidence++
		}
		return Detection{Kind: CredentialAPIKey, Value: value, Confidence: confidence}, nil
	}

	if src.Bearer != "" {
		if len(src.Bearer) >= len(APIKeyPrefix) && src.Bearer[:len(APIKeyPrefix)] == APIKeyPrefix {
			return Detection{Kind: CredentialAPIKey, Value: src.Bearer, Confidence: 1}, nil
		}
		if sessionShaped(src.Bearer) {
			return Detection{Kind: CredentialSession, Value: src.Bearer, Confidence: 1}, nil
		}
		// A bearer that is neither prefixed nor session-shaped is still
		// treated as an API key; validation decides its fate.
		return Detection{Kind: CredentialAPIKey, Value: src.Bearer, Confidence: 1}, nil
	}

	if src.AdminToken != "" {
		return Detection{Kind: CredentialAdmin, Value: src.AdminToken, Confidence: 1}, nil
	}

	if src.SessionHeader != "" || src.SessionCookie != "" {
		value := src.SessionHeader
		confidence := 0
		if src.SessionHeader != "" {
			confidence++
		}
		if src.SessionCookie != "" {
			confidence++
			if value == "" {
				value = src.SessionCookie
			}
		}
		return Detection{Kind: CredentialSession, Value: value, Confidence: confidence}, nil
	}

	return Detection{}, ErrMissingCredential
}

// sessionShaped reports whether a token looks like a session token:
// long, and drawn from the hex/base64url character set.
func sessionShaped(token string) bool {
	if len(token) < sessionTokenMinLen || len(token) > sessionTokenMaxLen {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '=':
		default:
			return false
		}
	}
	return true
}

// HashKey returns the storage hash for a raw API key. Keys are stored
// hashed; only the hash ever reaches the key store.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyRecord is the persisted form of an issued API key, with limits
// denormalized so resolution needs a single lookup.
type KeyRecord struct {
	ID          string
	Name        string
	Hash        string
	Disabled    bool
	ExpiresAt   time.Time
	Permissions []string

	TokenLimit        int64
	ConcurrencyLimit  int64
	RateLimitWindow   time.Duration
	RateLimitRequests int64
	WindowTokenLimit  int64

	DailyCostLimit   float64
	WeeklyCostLimit  float64
	MonthlyCostLimit float64
	TotalCostLimit   float64

	BoundAccounts map[Platform]string
	GroupID       string

	EnableModelRestriction  bool
	RestrictedModels        []string
	EnableClientRestriction bool
	AllowedClients          []string
}

// Principal materializes the record into a request principal.
func (r *KeyRecord) Principal() *Principal {
	return &Principal{
		Kind:                    KindAPIKey,
		ID:                      r.ID,
		Name:                    r.Name,
		Permissions:             r.Permissions,
		TokenLimit:              r.TokenLimit,
		ConcurrencyLimit:        r.ConcurrencyLimit,
		RateLimitWindow:         r.RateLimitWindow,
		RateLimitRequests:       r.RateLimitRequests,
		WindowTokenLimit:        r.WindowTokenLimit,
		DailyCostLimit:          r.DailyCostLimit,
		WeeklyCostLimit:         r.WeeklyCostLimit,
		MonthlyCostLimit:        r.MonthlyCostLimit,
		TotalCostLimit:          r.TotalCostLimit,
		BoundAccounts:           r.BoundAccounts,
		GroupID:                 r.GroupID,
		EnableModelRestriction:  r.EnableModelRestriction,
		RestrictedModels:        r.RestrictedModels,
		EnableClientRestriction: r.EnableClientRestriction,
		AllowedClients:          r.AllowedClients,
	}
}

// SessionRecord is a persisted user or admin session.
type SessionRecord struct {
	Token        string
	UserID       string
	Username     string
	IsAdmin      bool
	Permissions  []string
	ExpiresAt    time.Time
	LastActiveAt time.Time
}

// KeyStore looks up issued API keys by hash.
type KeyStore interface {
	FindByHash(ctx context.Context, hash string) (*KeyRecord, error)
}

// SessionStore looks up and maintains sessions.
type SessionStore interface {
	Find(ctx context.Context, token string) (*SessionRecord, error)
	Touch(ctx context.Context, token string, at time.Time) error
	Delete(ctx context.Context, token string) error
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("relaygate: record not found")

// IdentityResolver turns raw credentials into typed principals.
type IdentityResolver struct {
	keys     KeyStore
	sessions SessionStore

	cache       *keyCache
	DebugFlag   *FlagCache
	adminExpiry time.Duration
	logger      *slog.Logger
}

// ResolverOption configures an IdentityResolver.
type ResolverOption func(*IdentityResolver)

// WithKeyCacheTTL sets the read-through key-validation cache TTL
// (default 30s, 0 disables caching).
func WithKeyCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *IdentityResolver) { r.cache = newKeyCache(ttl) }
}

// WithDebugFlag attaches the process-wide diagnostic flag cache.
func WithDebugFlag(f *FlagCache) ResolverOption {
	return func(r *IdentityResolver) { r.DebugFlag = f }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *IdentityResolver) { r.logger = l }
}

// NewIdentityResolver creates a resolver over the given stores.
func NewIdentityResolver(keys KeyStore, sessions SessionStore, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{
		keys:        keys,
		sessions:    sessions,
		cache:       newKeyCache(30 * time.Second),
		adminExpiry: adminIdleCeiling,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve turns the request's credential sources into a Principal.
func (r *IdentityResolver) Resolve(ctx context.Context, src CredentialSources) (*Principal, error) {
	det, err := DetectCredential(src)
	if err != nil {
		return nil, &AuthError{Err: err, Source: "none"}
	}

	switch det.Kind {
	case CredentialAPIKey:
		return r.resolveKey(ctx, det.Value)
	case CredentialSession:
		return r.resolveSession(ctx, det.Value)
	case CredentialAdmin:
		return r.resolveAdmin(ctx, det.Value)
	}
	return nil, &AuthError{Err: ErrInvalidFormat, Source: string(det.Kind)}
}

func (r *IdentityResolver) resolveKey(ctx context.Context, raw string) (*Principal, error) {
	if len(raw) < apiKeyMinLen || len(raw) > apiKeyMaxLen {
		return nil, &AuthError{Err: ErrInvalidFormat, Source: "api-key"}
	}

	hash := HashKey(raw)

	if rec, ok := r.cache.get(hash); ok {
		return rec.Principal(), nil
	}

	rec, err := r.keys.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &AuthError{Err: ErrInvalidKey, Source: "api-key"}
		}
		return nil, err
	}
	if rec.Disabled {
		return nil, &AuthError{Err: ErrInvalidKey, Source: "api-key"}
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, &AuthError{Err: ErrInvalidKey, Source: "api-key"}
	}

	r.cache.put(hash, rec)
	return rec.Principal(), nil
}

func (r *IdentityResolver) resolveSession(ctx context.Context, token string) (*Principal, error) {
	if len(token) < sessionTokenMinLen || len(token) > sessionTokenMaxLen {
		return nil, &AuthError{Err: ErrInvalidFormat, Source: "session"}
	}

	rec, err := r.sessions.Find(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &AuthError{Err: ErrInvalidSession, Source: "session"}
		}
		return nil, err
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, &AuthError{Err: ErrInvalidSession, Source: "session"}
	}

	return &Principal{
		Kind:        KindUserSession,
		ID:          rec.UserID,
		Name:        rec.Username,
		Permissions: rec.Permissions,
	}, nil
}

// resolveAdmin validates an admin token with a bounded lookup: latency
// past the deadline is a failure, never a hang. Idle sessions past the
// inactivity ceiling are expired and deleted. Touches are coalesced so a
// busy admin does not turn every request into a write.
func (r *IdentityResolver) resolveAdmin(ctx context.Context, token string) (*Principal, error) {
	if len(token) < adminTokenMinLen {
		return nil, &AuthError{Err: ErrInvalidFormat, Source: "admin"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, adminLookupDeadline)
	defer cancel()

	rec, err := r.sessions.Find(lookupCtx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &AuthError{Err: ErrInvalidSession, Source: "admin"}
		}
		return nil, err
	}
	if !rec.IsAdmin {
		return nil, &AuthError{Err: ErrInvalidSession, Source: "admin"}
	}

	now := time.Now()
	if !rec.LastActiveAt.IsZero() && now.Sub(rec.LastActiveAt) > r.adminExpiry {
		if err := r.sessions.Delete(ctx, token); err != nil {
			r.logger.Warn("stale admin session delete failed", "error", err)
		}
		return nil, &AuthError{Err: ErrInvalidSession, Source: "admin"}
	}

	if now.Sub(rec.LastActiveAt) > adminTouchCoalesce {
		if err := r.sessions.Touch(ctx, token, now); err != nil {
			r.logger.Warn("admin session touch failed", "error", err)
		}
	}

	return &Principal{
		Kind:        KindAdminSession,
		ID:          rec.UserID,
		Name:        rec.Username,
		Permissions: rec.Permissions,
	}, nil
}

// keyCache is the short-TTL read-through cache in front of key validation.
type keyCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]keyCacheEntry
}

type keyCacheEntry struct {
	rec      *KeyRecord
	cachedAt time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	return &keyCache{ttl: ttl, entries: make(map[string]keyCacheEntry)}
}

func (c *keyCache) get(hash string) (*KeyRecord, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[hash]
	c.mu.RUnlock()
	if !ok || time.Since(e.cachedAt) > c.ttl {
		return nil, false
	}
	return e.rec, true
}

func (c *keyCache) put(hash string, rec *KeyRecord) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[hash] = keyCacheEntry{rec: rec, cachedAt: time.Now()}
	c.mu.Unlock()
}

// invalidate drops one entry (e.g. after an administrative key update).
func (c *keyCache) invalidate(hash string) {
	c.mu.Lock()
	delete(c.entries, hash)
	c.mu.Unlock()
}

// InvalidateKey drops a cached key record by its raw value.
func (r *IdentityResolver) InvalidateKey(raw string) {
	r.cache.invalidate(HashKey(raw))
}

// FlagCache is a process-owned boolean flag refreshed in the background
// on a TTL. Readers never block on the refresh.
type FlagCache struct {
	fetch    func(ctx context.Context) (bool, error)
	interval time.Duration
	logger   *slog.Logger

	value  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFlagCache creates a flag cache with the given fetch function and
// refresh interval.
func NewFlagCache(fetch func(ctx context.Context) (bool, error), interval time.Duration, logger *slog.Logger) *FlagCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlagCache{fetch: fetch, interval: interval, logger: logger}
}

// Get returns the last refreshed value without blocking.
func (f *FlagCache) Get() bool { return f.value.Load() }

// Start begins the background refresh loop. It fetches once immediately.
func (f *FlagCache) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	f.refresh(ctx)
	go func() {
		defer close(f.done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.refresh(ctx)
			}
		}
	}()
}

// Stop ends the refresh loop and waits for it to exit.
func (f *FlagCache) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *FlagCache) refresh(ctx context.Context) {
	v, err := f.fetch(ctx)
	if err != nil {
		f.logger.Warn("flag refresh failed, keeping previous value", "error", err)
		return
	}
	f.value.Store(v)
}
