// Package gormstore persists issued API keys, sessions, and upstream
// accounts in PostgreSQL via GORM. It implements the core's KeyStore and
// SessionStore and seeds the account pool at startup.
package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ineris/relaygate"
)

// APIKey is the persisted form of an issued key. The raw key never hits
// the database; only its hash does.
type APIKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	KeyID string `gorm:"uniqueIndex;size:64;not null"`
	Name  string `gorm:"size:128;not null"`
	Hash  string `gorm:"uniqueIndex;size:64;not null"`

	Disabled  bool
	ExpiresAt *time.Time

	Permissions string `gorm:"size:512"` // comma separated

	TokenLimit             int64
	ConcurrencyLimit       int64
	RateLimitWindowMinutes int64
	RateLimitRequests      int64
	WindowTokenLimit       int64

	DailyCostLimit   float64
	WeeklyCostLimit  float64
	MonthlyCostLimit float64
	TotalCostLimit   float64

	// Bound accounts serialized as "platform=accountID" pairs.
	BoundAccounts string `gorm:"size:1024"`
	GroupID       string `gorm:"size:64;index"`

	EnableModelRestriction  bool
	RestrictedModels        string `gorm:"size:2048"`
	EnableClientRestriction bool
	AllowedClients          string `gorm:"size:512"`
}

// Session is a persisted user or admin session.
type Session struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	Token        string `gorm:"uniqueIndex;size:128;not null"`
	UserID       string `gorm:"size:64;index;not null"`
	Username     string `gorm:"size:128"`
	IsAdmin      bool
	Permissions  string `gorm:"size:512"`
	ExpiresAt    *time.Time
	LastActiveAt time.Time
}

// Account is the persisted administrative view of an upstream account.
type Account struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID string `gorm:"uniqueIndex;size:64;not null"`
	Name      string `gorm:"size:128"`
	Platform  string `gorm:"size:32;index;not null"`
	Priority  int    `gorm:"default:50"`
	Type      string `gorm:"size:16;default:shared"`
	GroupID   string `gorm:"size:64;index"`

	Strategy        string `gorm:"size:16"`
	Weight          int    `gorm:"default:1"`
	SequentialOrder int

	Schedulable bool `gorm:"default:true"`
	DailyQuota  float64

	// Credential fields are stored through the opaque secret-store
	// capability in production; the columns here carry references.
	APIKeyRef      string `gorm:"size:256"`
	AccessTokenRef string `gorm:"size:256"`
	Endpoint       string `gorm:"size:256"`
	Region         string `gorm:"size:64"`
}

// Group is a persisted account group.
type Group struct {
	ID uint `gorm:"primaryKey"`

	GroupID         string `gorm:"uniqueIndex;size:64;not null"`
	Name            string `gorm:"size:128"`
	Platform        string `gorm:"size:32"`
	Strategy        string `gorm:"size:16"`
	Weight          int    `gorm:"default:1"`
	SequentialOrder int
}

// AdminUser backs the bootstrap admin credential.
type AdminUser struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string `gorm:"size:128;not null"`
}

// Store wraps a GORM connection.
type Store struct {
	db *gorm.DB
}

var (
	_ relaygate.KeyStore     = (*Store)(nil)
	_ relaygate.SessionStore = (*Store)(nil)
)

// Connect opens the database and migrates the schema. The URL must be a
// postgres:// or postgresql:// DSN.
func Connect(databaseURL string) (*Store, error) {
	dsn := strings.TrimSpace(databaseURL)
	if dsn == "" {
		return nil, errors.New("gormstore: database URL is required")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("gormstore: database URL must be a postgres:// or postgresql:// URL")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&APIKey{}, &Session{}, &Account{}, &Group{}, &AdminUser{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// FindByHash looks an issued key up by its storage hash.
func (s *Store) FindByHash(ctx context.Context, hash string) (*relaygate.KeyRecord, error) {
	var row APIKey
	if err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, relaygate.ErrNotFound
		}
		return nil, err
	}
	return row.record(), nil
}

func (r *APIKey) record() *relaygate.KeyRecord {
	rec := &relaygate.KeyRecord{
		ID:                      r.KeyID,
		Name:                    r.Name,
		Hash:                    r.Hash,
		Disabled:                r.Disabled,
		Permissions:             splitList(r.Permissions),
		TokenLimit:              r.TokenLimit,
		ConcurrencyLimit:        r.ConcurrencyLimit,
		RateLimitWindow:         time.Duration(r.RateLimitWindowMinutes) * time.Minute,
		RateLimitRequests:       r.RateLimitRequests,
		WindowTokenLimit:        r.WindowTokenLimit,
		DailyCostLimit:          r.DailyCostLimit,
		WeeklyCostLimit:         r.WeeklyCostLimit,
		MonthlyCostLimit:        r.MonthlyCostLimit,
		TotalCostLimit:          r.TotalCostLimit,
		GroupID:                 r.GroupID,
		EnableModelRestriction:  r.EnableModelRestriction,
		RestrictedModels:        splitList(r.RestrictedModels),
		EnableClientRestriction: r.EnableClientRestriction,
		AllowedClients:          splitList(r.AllowedClients),
	}
	if r.ExpiresAt != nil {
		rec.ExpiresAt = *r.ExpiresAt
	}
	if r.BoundAccounts != "" {
		rec.BoundAccounts = make(map[relaygate.Platform]string)
		for _, pair := range strings.Split(r.BoundAccounts, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && k != "" && v != "" {
				rec.BoundAccounts[relaygate.Platform(k)] = v
			}
		}
	}
	return rec
}

// CreateKey stores the hashed form of a raw key with its limits.
func (s *Store) CreateKey(ctx context.Context, raw string, rec relaygate.KeyRecord) error {
	row := APIKey{
		KeyID:                   rec.ID,
		Name:                    rec.Name,
		Hash:                    relaygate.HashKey(raw),
		Disabled:                rec.Disabled,
		Permissions:             joinList(rec.Permissions),
		TokenLimit:              rec.TokenLimit,
		ConcurrencyLimit:        rec.ConcurrencyLimit,
		RateLimitWindowMinutes:  int64(rec.RateLimitWindow / time.Minute),
		RateLimitRequests:       rec.RateLimitRequests,
		WindowTokenLimit:        rec.WindowTokenLimit,
		DailyCostLimit:          rec.DailyCostLimit,
		WeeklyCostLimit:         rec.WeeklyCostLimit,
		MonthlyCostLimit:        rec.MonthlyCostLimit,
		TotalCostLimit:          rec.TotalCostLimit,
		GroupID:                 rec.GroupID,
		EnableModelRestriction:  rec.EnableModelRestriction,
		RestrictedModels:        joinList(rec.RestrictedModels),
		EnableClientRestriction: rec.EnableClientRestriction,
		AllowedClients:          joinList(rec.AllowedClients),
	}
	if !rec.ExpiresAt.IsZero() {
		row.ExpiresAt = &rec.ExpiresAt
	}
	if len(rec.BoundAccounts) > 0 {
		pairs := make([]string, 0, len(rec.BoundAccounts))
		for platform, id := range rec.BoundAccounts {
			pairs = append(pairs, string(platform)+"="+id)
		}
		row.BoundAccounts = strings.Join(pairs, ",")
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Find returns a session by token.
func (s *Store) Find(ctx context.Context, token string) (*relaygate.SessionRecord, error) {
	var row Session
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, relaygate.ErrNotFound
		}
		return nil, err
	}

	rec := &relaygate.SessionRecord{
		Token:        row.Token,
		UserID:       row.UserID,
		Username:     row.Username,
		IsAdmin:      row.IsAdmin,
		Permissions:  splitList(row.Permissions),
		LastActiveAt: row.LastActiveAt,
	}
	if row.ExpiresAt != nil {
		rec.ExpiresAt = *row.ExpiresAt
	}
	return rec, nil
}

// Touch updates a session's last-activity timestamp.
func (s *Store) Touch(ctx context.Context, token string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("token = ?", token).
		Update("last_active_at", at).Error
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&Session{}).Error
}

// LoadAccounts materializes the persisted accounts for pool seeding.
func (s *Store) LoadAccounts(ctx context.Context) ([]*relaygate.UpstreamAccount, error) {
	var rows []Account
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	accounts := make([]*relaygate.UpstreamAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, &relaygate.UpstreamAccount{
			ID:              row.AccountID,
			Name:            row.Name,
			Platform:        relaygate.Platform(row.Platform),
			Priority:        row.Priority,
			Type:            relaygate.AccountType(row.Type),
			GroupID:         row.GroupID,
			Strategy:        relaygate.SchedulingStrategy(row.Strategy),
			Weight:          row.Weight,
			SequentialOrder: row.SequentialOrder,
			Schedulable:     row.Schedulable,
			Status:          relaygate.StatusActive,
			DailyQuota:      row.DailyQuota,
			Credential: relaygate.AccountCredential{
				APIKey:      row.APIKeyRef,
				AccessToken: row.AccessTokenRef,
				Endpoint:    row.Endpoint,
				Region:      row.Region,
			},
		})
	}
	return accounts, nil
}

// LoadGroups materializes the persisted groups.
func (s *Store) LoadGroups(ctx context.Context) ([]*relaygate.AccountGroup, error) {
	var rows []Group
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	groups := make([]*relaygate.AccountGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, &relaygate.AccountGroup{
			ID:              row.GroupID,
			Name:            row.Name,
			Platform:        relaygate.Platform(row.Platform),
			Strategy:        relaygate.SchedulingStrategy(row.Strategy),
			Weight:          row.Weight,
			SequentialOrder: row.SequentialOrder,
		})
	}
	return groups, nil
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// matching the bootstrap credentials. An existing user is left as-is.
func (s *Store) EnsureBootstrapAdmin(username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	var count int64
	if err := s.db.Model(&AdminUser{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return s.db.Create(&AdminUser{Username: username, PasswordHash: string(hash)}).Error
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinList(items []string) string { return strings.Join(items, ",") }
