package authkit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MountAuthRoutes registers /auth/register, /auth/login, /auth/refresh,
// /auth/logout, and, when a Google validator is supplied, the federated
// exchange endpoints /auth/google/nonce and /auth/google.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, manager *SessionManager, googleValidator GoogleTokenValidator, nonces NonceStore, logger *zap.Logger, metrics MetricsRecorder) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}

	router.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Username  string `json:"username"`
			Email     string `json:"email"`
			Password  string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		principal, pair, registerErr := manager.Register(contextGin, RegistrationInput{
			FirstName: inbound.FirstName,
			LastName:  inbound.LastName,
			Username:  inbound.Username,
			Email:     inbound.Email,
			Password:  inbound.Password,
		})
		if registerErr != nil {
			metrics.Increment(metricAuthRegisterFailure)
			respondError(contextGin, logger, "auth.register", registerErr)
			return
		}

		metrics.Increment(metricAuthRegisterSuccess)
		writeTokenPairCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusCreated, gin.H{"user": principal.Profile()})
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email"`
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}

		principal, pair, loginErr := manager.Login(contextGin, LoginInput{
			Email:    inbound.Email,
			Username: inbound.Username,
			Password: inbound.Password,
		})
		if loginErr != nil {
			metrics.Increment(metricAuthLoginFailure)
			// A missing principal and a bad password both read as invalid
			// credentials externally so the endpoint is not an email oracle.
			if KindOf(loginErr) == KindNotFound || KindOf(loginErr) == KindUnauthorized {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
				return
			}
			respondError(contextGin, logger, "auth.login", loginErr)
			return
		}

		metrics.Increment(metricAuthLoginSuccess)
		writeTokenPairCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusOK, gin.H{"user": principal.Profile()})
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		refreshToken := readRefreshToken(contextGin.Request, configuration)
		if refreshToken == "" {
			metrics.Increment(metricAuthRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token.missing"})
			return
		}
		_, accessToken, accessExpiresAt, rotateErr := manager.Rotate(contextGin, refreshToken)
		if rotateErr != nil {
			metrics.Increment(metricAuthRefreshFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": rotationRejectCode(rotateErr)})
			return
		}
		metrics.Increment(metricAuthRefreshSuccess)
		writeAccessCookie(contextGin, configuration, accessToken, accessExpiresAt)
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		refreshToken := readRefreshToken(contextGin.Request, configuration)
		if refreshToken == "" {
			metrics.Increment(metricAuthLogoutFailure)
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session.missing_refresh_token"})
			return
		}
		if logoutErr := manager.Logout(contextGin, refreshToken); logoutErr != nil {
			metrics.Increment(metricAuthLogoutFailure)
			respondError(contextGin, logger, "auth.logout", logoutErr)
			return
		}
		metrics.Increment(metricAuthLogoutSuccess)
		clearCookie(contextGin, configuration, configuration.AccessCookieName)
		clearCookie(contextGin, configuration, configuration.RefreshCookieName)
		contextGin.Status(http.StatusNoContent)
	})

	if googleValidator != nil && configuration.GoogleWebClientID != "" {
		mountGoogleExchange(router, configuration, manager, googleValidator, nonces, logger, metrics)
	}
}

func mountGoogleExchange(router gin.IRouter, configuration ServerConfig, manager *SessionManager, googleValidator GoogleTokenValidator, nonces NonceStore, logger *zap.Logger, metrics MetricsRecorder) {
	router.POST("/auth/google/nonce", func(contextGin *gin.Context) {
		nonce, issueErr := nonces.Issue(contextGin)
		if issueErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
	})

	router.POST("/auth/google", func(contextGin *gin.Context) {
		var inbound struct {
			GoogleIDToken string `json:"google_id_token"`
			Nonce         string `json:"nonce"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		if strings.TrimSpace(inbound.Nonce) != "" {
			if consumeErr := nonces.Consume(contextGin, inbound.Nonce); consumeErr != nil {
				metrics.Increment(metricAuthFederatedFailure)
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
				return
			}
		}

		identity, verifyErr := VerifyGoogleIdentity(contextGin, googleValidator, inbound.GoogleIDToken, configuration.GoogleWebClientID)
		if verifyErr != nil {
			metrics.Increment(metricAuthFederatedFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
			return
		}

		principal, pair, loginErr := manager.FederatedLogin(contextGin, identity)
		if loginErr != nil {
			metrics.Increment(metricAuthFederatedFailure)
			respondError(contextGin, logger, "auth.google", loginErr)
			return
		}

		metrics.Increment(metricAuthFederatedSuccess)
		writeTokenPairCookies(contextGin, configuration, pair)
		contextGin.JSON(http.StatusOK, gin.H{"user": principal.Profile()})
	})
}

// respondError maps a session error to its taxonomy status and a stable code.
func respondError(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("auth operation failed",
			zap.String("code", operation+".internal"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(status, gin.H{"error": "internal_error"})
		return
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": rootCode(err)})
}

// rootCode extracts the sentinel code from a wrapped error chain.
func rootCode(err error) string {
	message := err.Error()
	if index := strings.LastIndex(message, ": "); index >= 0 {
		return message[index+2:]
	}
	return message
}

func writeTokenPairCookies(contextGin *gin.Context, configuration ServerConfig, pair TokenPair) {
	writeAccessCookie(contextGin, configuration, pair.AccessToken, pair.AccessExpiresAt)
	writeRefreshCookie(contextGin, configuration, pair.RefreshToken, pair.RefreshExpiresAt)
}

func writeAccessCookie(contextGin *gin.Context, configuration ServerConfig, accessToken string, expiresAt time.Time) {
	writeAuthCookie(contextGin, configuration, configuration.AccessCookieName, accessToken, expiresAt)
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string, expiresAt time.Time) {
	writeAuthCookie(contextGin, configuration, configuration.RefreshCookieName, refreshToken, expiresAt)
}

// writeAuthCookie sets both cookies on the root path: the gate needs the
// refresh cookie on arbitrary request paths to rotate transparently.
func writeAuthCookie(contextGin *gin.Context, configuration ServerConfig, name string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
