package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleIssuer = "https://accounts.google.com"
	exchangeTimeout     = 10 * time.Second
)

var (
	ErrInvalidProviderConfig = errors.New("provider: invalid google provider config")
	ErrCodeRejected          = errors.New("provider: authorization code rejected")
	ErrProviderUnavailable   = errors.New("provider: identity provider unavailable")
	ErrMissingIDToken        = errors.New("provider: token response missing id_token")
	ErrIncompleteProfile     = errors.New("provider: id_token missing required claims")
)

// Profile holds the verified identity facts returned by the provider.
// No authentication decisions are made at this layer.
type Profile struct {
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
}

// GoogleConfig bundles configuration required to instantiate a Google provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	IssuerURL    string
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Google drives the authorization-code flow against Google's OIDC
// endpoints: it builds consent redirects and exchanges callback codes
// for verified identity profiles.
type Google struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewGoogle discovers the provider endpoints and constructs the flow driver.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidProviderConfig)
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client secret required", ErrInvalidProviderConfig)
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: redirect url required", ErrInvalidProviderConfig)
	}

	issuerURL := strings.TrimSpace(cfg.IssuerURL)
	if issuerURL == "" {
		issuerURL = defaultGoogleIssuer
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	oidcProvider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery failed: %v", ErrProviderUnavailable, err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
		Now:      cfg.Clock,
	})

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     oidcProvider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &Google{
		oauthConfig: oauthConfig,
		verifier:    verifier,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// AuthCodeURL builds the consent redirect target for a login attempt.
// The caller owns state generation and its binding to the user agent.
func (g *Google) AuthCodeURL(state string) string {
	return g.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange swaps the single-use authorization code for provider tokens,
// verifies the returned id_token and extracts the identity profile.
// The call is bounded by a fixed timeout and never retried: a replayed
// code would be rejected by the provider anyway.
func (g *Google) Exchange(ctx context.Context, code string) (Profile, error) {
	if strings.TrimSpace(code) == "" {
		return Profile{}, fmt.Errorf("%w: empty code", ErrCodeRejected)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, g.httpClient)

	token, err := g.oauthConfig.Exchange(exchangeCtx, code)
	if err != nil {
		return Profile{}, classifyExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Profile{}, ErrMissingIDToken
	}

	idToken, err := g.verifier.Verify(oidc.ClientContext(ctx, g.httpClient), rawIDToken)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: id_token verification failed: %v", ErrCodeRejected, err)
	}

	var claims struct {
		Subject       string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Profile{}, fmt.Errorf("%w: claims parse failed: %v", ErrIncompleteProfile, err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return Profile{}, ErrIncompleteProfile
	}

	g.logger.Debug("google exchange verified",
		zap.String("issuer", idToken.Issuer),
		zap.Bool("email_verified", claims.EmailVerified),
		zap.Time("id_token_expiry", idToken.Expiry),
	)

	return Profile{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
	}, nil
}

// classifyExchangeError splits provider rejections (the code is spent or
// bogus, the user must restart) from transient upstream failures.
func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint returned %d", ErrProviderUnavailable, retrieveErr.Response.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrCodeRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
