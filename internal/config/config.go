package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "BEACON"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "beacon.db"
	defaultLogLevel        = "info"
	defaultGoogleIssuer    = "https://accounts.google.com"
	defaultCookieName      = "beacon_session"
	defaultAppOrigin       = "http://localhost:3000"
	defaultTokenTTLMinutes = 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleIssuerURL    string
	OAuthRedirectURL   string
	AppOrigin          string
	SigningSecret      string
	CookieName         string
	TokenInRedirect    bool
	TokenTTL           time.Duration
	DatabasePath       string
	LogLevel           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("google.issuer", defaultGoogleIssuer)
	configViper.SetDefault("app.origin", defaultAppOrigin)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_in_redirect", false)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		GoogleClientID:     configViper.GetString("google.client_id"),
		GoogleClientSecret: configViper.GetString("google.client_secret"),
		GoogleIssuerURL:    configViper.GetString("google.issuer"),
		OAuthRedirectURL:   configViper.GetString("oauth.redirect_url"),
		AppOrigin:          configViper.GetString("app.origin"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		TokenInRedirect:    configViper.GetBool("auth.token_in_redirect"),
		TokenTTL:           time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if strings.TrimSpace(c.GoogleClientSecret) == "" {
		return fmt.Errorf("google.client_secret is required")
	}
	if strings.TrimSpace(c.OAuthRedirectURL) == "" {
		return fmt.Errorf("oauth.redirect_url is required")
	}
	if strings.TrimSpace(c.AppOrigin) == "" {
		return fmt.Errorf("app.origin is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
