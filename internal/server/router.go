package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/provider"
	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "beacon_session_claims"

const (
	messageNoToken      = "No token provided"
	messageInvalidToken = "Invalid token"
)

var (
	errMissingProvider     = errors.New("identity provider dependency required")
	errMissingUserStore    = errors.New("user store dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingAppOrigin    = errors.New("app origin required")
	errMissingCookieName   = errors.New("session cookie name required")
)

// IdentityProvider drives the consent redirect and code exchange for a
// single external provider.
type IdentityProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (provider.Profile, error)
}

// UserStore resolves verified provider profiles to local user records.
type UserStore interface {
	FindOrCreate(ctx context.Context, profile users.Profile) (users.Identity, error)
}

// SessionTokenManager mints and validates session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, subject auth.SessionSubject) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Config captures the handler-level settings of the login surface.
type Config struct {
	// AppOrigin is the client application origin: the CORS allow-list
	// entry and the post-login redirect target.
	AppOrigin string
	// CookieName names the session cookie set after a successful login.
	CookieName string
	// TokenInRedirect additionally appends the issued token to the
	// post-login redirect as a query parameter. Local/demo use only:
	// tokens in URLs leak through history and referrers.
	TokenInRedirect bool
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Provider IdentityProvider
	Users    UserStore
	Tokens   SessionTokenManager
	Config   Config
	Logger   *zap.Logger
}

// NewHTTPHandler builds the login and protected routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Provider == nil {
		return nil, errMissingProvider
	}
	if deps.Users == nil {
		return nil, errMissingUserStore
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	appOrigin := strings.TrimSpace(deps.Config.AppOrigin)
	if appOrigin == "" {
		return nil, errMissingAppOrigin
	}
	cookieName := strings.TrimSpace(deps.Config.CookieName)
	if cookieName == "" {
		return nil, errMissingCookieName
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(appOrigin))

	handler := &httpHandler{
		provider:        deps.Provider,
		users:           deps.Users,
		tokens:          deps.Tokens,
		appOrigin:       appOrigin,
		cookieName:      cookieName,
		tokenInRedirect: deps.Config.TokenInRedirect,
		secureCookies:   strings.HasPrefix(appOrigin, "https://"),
		logger:          logger,
	}

	router.GET("/auth/google/login", handler.handleLoginStart)
	router.GET("/auth/google/callback", handler.handleCallback)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/me", handler.handleMe)

	return router, nil
}

func corsMiddleware(appOrigin string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{appOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	provider        IdentityProvider
	users           UserStore
	tokens          SessionTokenManager
	appOrigin       string
	cookieName      string
	tokenInRedirect bool
	secureCookies   bool
	logger          *zap.Logger
}

// handleLoginStart begins a login attempt: no server-side state, just a
// state cookie and a redirect to the provider's consent screen.
func (h *httpHandler) handleLoginStart(c *gin.Context) {
	state, err := issueStateCookie(c, h.secureCookies)
	if err != nil {
		h.logger.Error("failed to generate login state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_start_failed"})
		return
	}
	c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state))
}

// handleCallback receives the authorization code, exchanges it, resolves
// the local user and issues the session token. Nothing is persisted
// before the exchange succeeds, so every failure leaves the attempt
// restartable from the login route.
func (h *httpHandler) handleCallback(c *gin.Context) {
	// The state cookie is spent regardless of outcome; a fresh attempt
	// starts from the login route.
	clearStateCookie(c, h.secureCookies)

	if errParam := c.Query("error"); errParam != "" {
		h.logger.Warn("provider callback returned error",
			zap.String("error", errParam),
			zap.String("description", c.Query("error_description")),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}

	if !matchStateCookie(c) {
		h.logger.Warn("callback state mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_state"})
		return
	}

	code := c.Query("code")
	if strings.TrimSpace(code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.provider.Exchange(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, provider.ErrProviderUnavailable) {
			h.logger.Error("identity provider unavailable", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable"})
			return
		}
		h.logger.Warn("code exchange rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_failed"})
		return
	}

	identity, err := h.users.FindOrCreate(c.Request.Context(), users.Profile{
		Provider:    "google",
		Subject:     profile.Subject,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), auth.SessionSubject{
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, token, int(expiresIn), "/", "", h.secureCookies, true)

	h.logger.Info("login succeeded",
		zap.String("user_id", identity.UserID),
		zap.Int64("expires_in_s", expiresIn),
	)

	c.Redirect(http.StatusFound, h.redirectTarget(token))
}

// redirectTarget returns the client application location the user agent
// lands on after login. The token rides along in the query only when
// explicitly enabled for local use.
func (h *httpHandler) redirectTarget(token string) string {
	if !h.tokenInRedirect {
		return h.appOrigin
	}
	target, err := url.Parse(h.appOrigin)
	if err != nil {
		return h.appOrigin
	}
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()
	return target.String()
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secureCookies, true)
	c.Status(http.StatusNoContent)
}

type profileResponsePayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": messageInvalidToken})
		return
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": messageInvalidToken})
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	})
}

// authorizeRequest guards protected routes. The bearer header wins;
// the session cookie is accepted as a fallback for browser requests.
// Verification is local signature and expiry checking, no store I/O.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		if cookie, err := c.Cookie(h.cookieName); err == nil {
			token = strings.TrimSpace(cookie)
		}
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": messageNoToken})
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": messageInvalidToken})
		return
	}

	c.Set(claimsContextKey, claims)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
