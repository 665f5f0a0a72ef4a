package authkit

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys under which the gate attaches the resolved identity.
const (
	ContextKeyPrincipal = "auth_principal"
	ContextKeyClaims    = "auth_claims"
)

// RequireSession validates the access token on each request and attaches the
// resolved principal's projection. An expired access token is transparently
// rotated using the refresh cookie; the renewed access token rides back on
// the response. The gate keeps no state between requests.
func RequireSession(configuration ServerConfig, manager *SessionManager, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken := readAccessToken(contextGin.Request, configuration)
		if accessToken == "" {
			rejectRequest(contextGin, metrics, "gate.token_not_found")
			return
		}

		claims, verifyErr := manager.codec.Verify(accessToken, TokenClassAccess)
		switch {
		case verifyErr == nil:
			principal, findErr := manager.principals.FindByID(contextGin, claims.PrincipalID)
			if findErr != nil {
				rejectRequest(contextGin, metrics, "gate.principal_not_found")
				return
			}
			acceptRequest(contextGin, metrics, principal, claims)

		case errors.Is(verifyErr, ErrTokenExpired):
			refreshToken := readRefreshToken(contextGin.Request, configuration)
			if refreshToken == "" {
				rejectRequest(contextGin, metrics, "gate.access_expired")
				return
			}
			principal, renewedToken, renewedExpiry, rotateErr := manager.Rotate(contextGin, refreshToken)
			if rotateErr != nil {
				rejectRequest(contextGin, metrics, rotationRejectCode(rotateErr))
				return
			}
			writeAccessCookie(contextGin, configuration, renewedToken, renewedExpiry)
			if metrics != nil {
				metrics.Increment(metricGateRotation)
			}
			renewedClaims, renewedErr := manager.codec.Verify(renewedToken, TokenClassAccess)
			if renewedErr != nil {
				rejectRequest(contextGin, metrics, "gate.rotation_failed")
				return
			}
			acceptRequest(contextGin, metrics, principal, renewedClaims)

		default:
			rejectRequest(contextGin, metrics, "gate.token_malformed")
		}
	}
}

func acceptRequest(contextGin *gin.Context, metrics MetricsRecorder, principal *Principal, claims *SessionClaims) {
	if metrics != nil {
		metrics.Increment(metricGateAccept)
	}
	contextGin.Set(ContextKeyPrincipal, principal.Profile())
	contextGin.Set(ContextKeyClaims, claims)
	contextGin.Next()
}

func rejectRequest(contextGin *gin.Context, metrics MetricsRecorder, code string) {
	if metrics != nil {
		metrics.Increment(metricGateReject)
	}
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
}

// rotationRejectCode preserves the specific rotation failure for the response.
func rotationRejectCode(rotateErr error) string {
	switch {
	case errors.Is(rotateErr, ErrTokenExpired):
		return "gate.refresh_expired"
	case errors.Is(rotateErr, ErrTokenMalformed):
		return "gate.refresh_malformed"
	case errors.Is(rotateErr, ErrSessionRevoked):
		return "gate.session_revoked"
	case errors.Is(rotateErr, ErrPrincipalNotFound):
		return "gate.principal_not_found"
	default:
		return "gate.rotation_failed"
	}
}

// readAccessToken reads the access cookie, falling back to a bearer header.
func readAccessToken(request *http.Request, configuration ServerConfig) string {
	if cookie, cookieErr := request.Cookie(configuration.AccessCookieName); cookieErr == nil && cookie != nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	authorization := request.Header.Get("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}
	return ""
}

func readRefreshToken(request *http.Request, configuration ServerConfig) string {
	cookie, cookieErr := request.Cookie(configuration.RefreshCookieName)
	if cookieErr != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// CurrentProfile returns the principal projection the gate attached.
func CurrentProfile(contextGin *gin.Context) (Profile, bool) {
	value, found := contextGin.Get(ContextKeyPrincipal)
	if !found {
		return Profile{}, false
	}
	profile, ok := value.(Profile)
	return profile, ok
}
