package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures signing secrets, cookies, TTLs, and session limits.
type ServerConfig struct {
	AccessSigningKey  []byte
	RefreshSigningKey []byte
	TokenIssuer       string
	CookieDomain      string
	AccessCookieName  string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	DeviceCap         int
	PasswordHashCost  int
	NonceTTL          time.Duration
	SweepInterval     time.Duration
	GoogleWebClientID string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}
