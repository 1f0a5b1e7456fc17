package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueSessionToken(context.Background(), SessionSubject{
		UserID:      "user-123",
		Email:       "a@x.com",
		DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(time.Hour/time.Second) {
		t.Fatalf("expected one hour expiry in seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &SessionClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "beacon-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "beacon-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if claims.Email != "a@x.com" || claims.DisplayName != "Alice" {
		t.Fatalf("unexpected profile claims %q %q", claims.Email, claims.DisplayName)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{UserID: "user-321"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "user-321" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}

	_, err = issuer.ValidateToken("invalid.token")
	if !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignSignature(t *testing.T) {
	mint := func(secret string) string {
		issuer, err := NewTokenIssuer(TokenIssuerConfig{
			SigningSecret: []byte(secret),
			Issuer:        "beacon-auth",
			Audience:      "beacon-api",
			TokenTTL:      time.Hour,
		})
		if err != nil {
			t.Fatalf("unexpected constructor error: %v", err)
		}
		token, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{UserID: "user-1"})
		if err != nil {
			t.Fatalf("unexpected error issuing token: %v", err)
		}
		return token
	}

	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("the-real-secret"),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := issuer.ValidateToken(mint("some-other-secret")); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenIssuerExpiresTokensAtTTL(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("clock-secret"),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{UserID: "user-77"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	current = current.Add(59 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); err != nil {
		t.Fatalf("token should remain valid before expiry: %v", err)
	}

	current = current.Add(2 * time.Minute)
	_, err = issuer.ValidateToken(tokenString)
	if !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []struct {
		name    string
		config  TokenIssuerConfig
		wantErr error
	}{
		{
			name:    "missing secret",
			config:  TokenIssuerConfig{Issuer: "beacon-auth", Audience: "beacon-api"},
			wantErr: ErrMissingSigningSecret,
		},
		{
			name:    "missing issuer",
			config:  TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "beacon-api"},
			wantErr: ErrMissingIssuer,
		},
		{
			name:    "missing audience",
			config:  TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "beacon-auth", Audience: " "},
			wantErr: ErrMissingAudience,
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewTokenIssuer(testCase.config)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestIssueSessionTokenRequiresUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	_, _, err = issuer.IssueSessionToken(context.Background(), SessionSubject{Email: "a@x.com"})
	if !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}
