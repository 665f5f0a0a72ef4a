package authkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenClass selects the signing secret and TTL for a token.
type TokenClass int

// Token classes. Access tokens are stateless; refresh tokens additionally
// require membership in the owning principal's session list.
const (
	TokenClassAccess TokenClass = iota
	TokenClassRefresh
)

// SessionClaims are embedded in both token classes.
type SessionClaims struct {
	PrincipalID string `json:"principal_id"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// TokenPair bundles the access and refresh tokens issued together.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// TokenCodec signs and verifies compact HS256 bearer tokens. Each token
// class uses an independent secret so compromise of one cannot forge the
// other. The codec performs no store access.
type TokenCodec struct {
	accessSigningKey  []byte
	refreshSigningKey []byte
	issuer            string
	accessTTL         time.Duration
	refreshTTL        time.Duration
	clock             Clock
}

// NewTokenCodec constructs a codec from the immutable server configuration.
func NewTokenCodec(configuration ServerConfig, clock Clock) *TokenCodec {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenCodec{
		accessSigningKey:  configuration.AccessSigningKey,
		refreshSigningKey: configuration.RefreshSigningKey,
		issuer:            configuration.TokenIssuer,
		accessTTL:         configuration.AccessTTL,
		refreshTTL:        configuration.RefreshTTL,
		clock:             clock,
	}
}

// IssueAccessToken mints a short-lived token bound to the principal.
func (codec *TokenCodec) IssueAccessToken(principalID string, email string) (string, time.Time, error) {
	return codec.issue(principalID, email, TokenClassAccess)
}

// IssueRefreshToken mints a long-lived token bound to the principal.
func (codec *TokenCodec) IssueRefreshToken(principalID string, email string) (string, time.Time, error) {
	return codec.issue(principalID, email, TokenClassRefresh)
}

// IssuePair mints an access and refresh token together.
func (codec *TokenCodec) IssuePair(principalID string, email string) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := codec.IssueAccessToken(principalID, email)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, refreshExpiresAt, refreshErr := codec.IssueRefreshToken(principalID, email)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func (codec *TokenCodec) issue(principalID string, email string, class TokenClass) (string, time.Time, error) {
	if principalID == "" {
		return "", time.Time{}, fmt.Errorf("token.issue: %w", ErrMissingFields)
	}
	signingKey, ttl := codec.classParameters(class)
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		PrincipalID: principalID,
		Email:       email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    codec.issuer,
			Subject:   principalID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, signErr := token.SignedString(signingKey)
	if signErr != nil {
		return "", time.Time{}, fmt.Errorf("token.issue: %w", signErr)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token of the given class. It distinguishes
// ErrTokenExpired (signature valid, expiry passed) from ErrTokenMalformed
// (anything else) so callers can branch on rotation explicitly.
func (codec *TokenCodec) Verify(tokenString string, class TokenClass) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	signingKey, _ := codec.classParameters(class)
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return codec.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token.verify: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims.PrincipalID == "" {
		return nil, fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	if codec.issuer != "" && claims.Issuer != codec.issuer {
		return nil, fmt.Errorf("token.verify: %w", ErrTokenMalformed)
	}
	return claims, nil
}

func (codec *TokenCodec) classParameters(class TokenClass) ([]byte, time.Duration) {
	if class == TokenClassRefresh {
		return codec.refreshSigningKey, codec.refreshTTL
	}
	return codec.accessSigningKey, codec.accessTTL
}
