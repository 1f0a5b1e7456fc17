package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/config"
	"github.com/MarcoPoloResearchLab/beacon/internal/database"
	"github.com/MarcoPoloResearchLab/beacon/internal/logging"
	"github.com/MarcoPoloResearchLab/beacon/internal/provider"
	"github.com/MarcoPoloResearchLab/beacon/internal/server"
	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "beacon-api",
		Short: "Beacon login backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-client-secret", "", "Google OAuth client secret (overrides env)")
	cmd.PersistentFlags().String("google-issuer", defaults.GetString("google.issuer"), "Google OIDC issuer URL")
	cmd.PersistentFlags().String("oauth-redirect-url", defaults.GetString("oauth.redirect_url"), "OAuth callback URL")
	cmd.PersistentFlags().String("app-origin", defaults.GetString("app.origin"), "Client application origin")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Bool("token-in-redirect", defaults.GetBool("auth.token_in_redirect"), "Append session token to post-login redirect (local use only)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.client_secret", "google-client-secret")
	bindFlag(cmd, "google.issuer", "google-issuer")
	bindFlag(cmd, "oauth.redirect_url", "oauth-redirect-url")
	bindFlag(cmd, "app.origin", "app-origin")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "auth.token_in_redirect", "token-in-redirect")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "beacon-auth",
		Audience:      "beacon-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	googleProvider, err := provider.NewGoogle(ctx, provider.GoogleConfig{
		ClientID:     appConfig.GoogleClientID,
		ClientSecret: appConfig.GoogleClientSecret,
		RedirectURL:  appConfig.OAuthRedirectURL,
		IssuerURL:    appConfig.GoogleIssuerURL,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Provider: googleProvider,
		Users:    userService,
		Tokens:   tokenIssuer,
		Config: server.Config{
			AppOrigin:       appConfig.AppOrigin,
			CookieName:      appConfig.CookieName,
			TokenInRedirect: appConfig.TokenInRedirect,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
