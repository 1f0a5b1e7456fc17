package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrInvalidProfile indicates the provider profile lacked a usable
	// identifier or a well-formed email address.
	ErrInvalidProfile = errors.New("users: invalid identity profile")
)

// Profile carries the provider-verified fields required to resolve a
// local user. All fields except DisplayName are mandatory: a record is
// never written from a partial profile.
type Profile struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves external identities to local user records with
// find-or-create semantics.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// FindOrCreate returns the identity record for the provider subject,
// creating it on first login. Repeated logins for the same subject are
// idempotent and refresh the stored profile fields.
func (s *Service) FindOrCreate(ctx context.Context, profile Profile) (Identity, error) {
	normalized, err := normalizeProfile(profile)
	if err != nil {
		return Identity{}, err
	}

	var identity Identity
	lookupErr := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", normalized.Provider, normalized.Subject).
		First(&identity).
		Error
	if lookupErr == nil {
		return s.refresh(ctx, identity, normalized)
	}
	if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return Identity{}, lookupErr
	}

	return s.create(ctx, normalized)
}

// create inserts a fresh identity row. When a concurrent first-login
// wins the race, the uniqueness constraint on provider+subject fires
// and the existing row is re-read and returned instead: the store's
// constraint is the authority, not the caller.
func (s *Service) create(ctx context.Context, profile Profile) (Identity, error) {
	identity := Identity{
		Provider:    profile.Provider,
		Subject:     profile.Subject,
		UserID:      uuid.NewString(),
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		LastLoginAt: s.now(),
	}

	createErr := s.db.WithContext(ctx).Create(&identity).Error
	if createErr == nil {
		return identity, nil
	}

	var existing Identity
	lookupErr := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", profile.Provider, profile.Subject).
		First(&existing).
		Error
	if lookupErr == nil {
		return existing, nil
	}

	return Identity{}, createErr
}

// refresh updates mutable profile fields on an existing record and
// stamps the login time.
func (s *Service) refresh(ctx context.Context, identity Identity, profile Profile) (Identity, error) {
	updates := map[string]interface{}{
		"last_login_at": s.now(),
	}
	if profile.Email != identity.Email {
		updates["email"] = profile.Email
		identity.Email = profile.Email
	}
	if profile.DisplayName != "" && profile.DisplayName != identity.DisplayName {
		updates["display_name"] = profile.DisplayName
		identity.DisplayName = profile.DisplayName
	}

	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		return Identity{}, err
	}
	identity.LastLoginAt = updates["last_login_at"].(time.Time)
	return identity, nil
}

func normalizeProfile(profile Profile) (Profile, error) {
	normalized := Profile{
		Provider:    normalize(profile.Provider),
		Subject:     normalize(profile.Subject),
		Email:       normalizeEmail(profile.Email),
		DisplayName: normalize(profile.DisplayName),
	}
	if normalized.Provider == "" || normalized.Subject == "" {
		return Profile{}, ErrInvalidProfile
	}
	if _, err := mail.ParseAddress(normalized.Email); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return normalized, nil
}
