package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/linkstitch/authd/internal/authkit"
	"github.com/linkstitch/authd/internal/authkitpg"
	"github.com/linkstitch/authd/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "authd",
		Short:   "Credential and session authority: password and Google sign-in, JWT token pairs, per-user device limits, revocable refresh sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("access_signing_key", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("refresh_signing_key", "", "HS256 signing secret for refresh tokens (must differ from the access secret)")
	rootCmd.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Int("device_cap", 5, "Maximum concurrent sessions per principal")
	rootCmd.Flags().Int("password_hash_cost", 10, "bcrypt work factor for password hashing")
	rootCmd.Flags().Duration("sweep_interval", time.Hour, "Expired-session sweep interval; zero disables the sweeper")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables the federated exchange")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP and non-secure cookies for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for principals (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("database_driver", "gorm", "Persistence driver for postgres URLs: gorm or pgx")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr", "cookie_domain", "access_signing_key", "refresh_signing_key",
		"access_ttl", "refresh_ttl", "device_cap", "password_hash_cost",
		"sweep_interval", "google_web_client_id", "nonce_ttl", "dev_insecure_http",
		"database_url", "database_driver", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	accessCookieName  = "app_access"
	refreshCookieName = "app_refresh"

	configCodeMissingAccessKey        = "config.missing_access_signing_key"
	configCodeMissingRefreshKey       = "config.missing_refresh_signing_key"
	configCodeSharedSigningKey        = "config.shared_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidDeviceCap        = "config.invalid_device_cap"
	configCodeInvalidHashCost         = "config.invalid_password_hash_cost"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeUnknownDatabaseDriver   = "config.unknown_database_driver"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates process configuration, failing fast
// when a required value is absent or inconsistent.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessSigningKey := viper.GetString("access_signing_key")
	if accessSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessKey, "access_signing_key must be provided")
	}

	refreshSigningKey := viper.GetString("refresh_signing_key")
	if refreshSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshKey, "refresh_signing_key must be provided")
	}
	if bytes.Equal([]byte(accessSigningKey), []byte(refreshSigningKey)) {
		return authkit.ServerConfig{}, configError(configCodeSharedSigningKey, "access and refresh signing keys must differ")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	deviceCap := viper.GetInt("device_cap")
	if deviceCap <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidDeviceCap, "device_cap must be greater than zero")
	}

	passwordHashCost := viper.GetInt("password_hash_cost")
	if passwordHashCost <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidHashCost, "password_hash_cost must be greater than zero")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		AccessSigningKey:  []byte(accessSigningKey),
		RefreshSigningKey: []byte(refreshSigningKey),
		TokenIssuer:       "linkstitch-auth",
		CookieDomain:      viper.GetString("cookie_domain"),
		AccessCookieName:  accessCookieName,
		RefreshCookieName: refreshCookieName,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		DeviceCap:         deviceCap,
		PasswordHashCost:  passwordHashCost,
		NonceTTL:          nonceTTL,
		SweepInterval:     viper.GetDuration("sweep_interval"),
		GoogleWebClientID: viper.GetString("google_web_client_id"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	databaseDriver := viper.GetString("database_driver")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	principals, storeErr := buildPrincipalStore(command.Context(), logger, databaseURL, databaseDriver)
	if storeErr != nil {
		return storeErr
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	clock := authkit.NewSystemClock()
	hasher := authkit.NewPasswordHasher(serverConfig.PasswordHashCost)
	codec := authkit.NewTokenCodec(serverConfig, clock)
	manager := authkit.NewSessionManager(serverConfig, principals, hasher, codec, clock, logger)
	nonceStore := authkit.NewMemoryNonceStore(serverConfig.NonceTTL, clock)
	metricsRecorder := authkit.NewCounterMetrics()

	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(command.Context())
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	}

	authkit.MountAuthRoutes(router, serverConfig, manager, googleValidator, nonceStore, logger, metricsRecorder)

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(serverConfig, manager, metricsRecorder))
	protected.GET("/me", web.HandleWhoAmI(logger))
	protected.PUT("/profile", web.HandleUpdateProfile(manager, logger))
	protected.POST("/password", web.HandleChangePassword(manager, logger))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if serverConfig.SweepInterval > 0 {
		go manager.RunSweeper(shutdownCtx, serverConfig.SweepInterval)
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildPrincipalStore(ctx context.Context, logger *zap.Logger, databaseURL string, databaseDriver string) (authkit.PrincipalStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory principal store")
		return authkit.NewMemoryPrincipalStore(), nil
	}

	if strings.EqualFold(databaseDriver, "pgx") {
		parsed, parseErr := url.Parse(databaseURL)
		if parseErr != nil || (parsed.Scheme != "postgres" && parsed.Scheme != "postgresql") {
			return nil, configError(configCodeUnknownDatabaseDriver, "database_driver pgx requires a postgres:// database_url")
		}
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using pgx principal store")
		return authkitpg.NewPostgresPrincipalStore(pool), nil
	}
	if !strings.EqualFold(databaseDriver, "gorm") && databaseDriver != "" {
		return nil, configError(configCodeUnknownDatabaseDriver, "database_driver must be gorm or pgx")
	}

	persistentStore, storeErr := authkit.NewDatabasePrincipalStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent principal store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
