package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingIssuer        = errors.New("auth: issuer must be provided")
	ErrMissingAudience      = errors.New("auth: audience must be provided")
	ErrMissingSubject       = errors.New("auth: subject must be provided")
	ErrInvalidSessionToken  = errors.New("auth: invalid session token")
	ErrExpiredSessionToken  = errors.New("auth: session token expired")
)

// SessionSubject identifies the local user a session token is bound to.
type SessionSubject struct {
	UserID      string
	Email       string
	DisplayName string
}

// SessionClaims is the JWT payload carried by issued session tokens.
// Tokens are self-contained: verification never consults the user store.
type SessionClaims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates HS256 session tokens after a
// successful provider exchange. The signing secret is process-wide
// configuration, never request state.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with validated configuration.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// TokenTTL reports the configured token lifetime.
func (i *TokenIssuer) TokenTTL() time.Duration {
	return i.tokenTTL
}

// IssueSessionToken produces a signed JWT and its expiry (seconds) for
// the resolved local user.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, subject SessionSubject) (string, int64, error) {
	if strings.TrimSpace(subject.UserID) == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL)

	claims := SessionClaims{
		Email:       subject.Email,
		DisplayName: subject.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.UserID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks signature, issuer, audience and expiry of the
// supplied token and returns the decoded claims. Purely local, no I/O.
func (i *TokenIssuer) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrInvalidSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, ErrMissingSubject
	}
	return *claims, nil
}
