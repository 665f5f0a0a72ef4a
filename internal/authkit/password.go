package authkit

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher hashes and verifies local credentials with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher constructs a hasher with the configured work factor.
// Costs outside bcrypt's supported range fall back to the library default.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash produces a salted one-way digest of the plaintext.
func (hasher *PasswordHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("password.hash: %w", ErrMissingFields)
	}
	digest, hashErr := bcrypt.GenerateFromPassword([]byte(plaintext), hasher.cost)
	if hashErr != nil {
		return "", fmt.Errorf("password.hash: %w", hashErr)
	}
	return string(digest), nil
}

// Verify reports whether the plaintext matches the digest. A malformed
// digest verifies as false rather than surfacing an error.
func (hasher *PasswordHasher) Verify(plaintext string, digest string) bool {
	if plaintext == "" || digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
