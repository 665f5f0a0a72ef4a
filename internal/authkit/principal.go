package authkit

import (
	"strings"
	"time"
)

// Principal is an authenticated identity. A principal may hold local
// credentials (PasswordHash set), a federated identity link (Provider set),
// or both when a password is attached after a federated-only registration.
type Principal struct {
	ID           string
	FirstName    string
	LastName     string
	Username     string
	Email        string
	PasswordHash string
	Provider     *IdentityProviderLink
	Sessions     []SessionEntry
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdentityProviderLink references an external identity provider account.
type IdentityProviderLink struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

// SessionEntry records one active refresh token. Insertion order doubles as
// the recency queue for device-cap eviction.
type SessionEntry struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the externally readable projection of a Principal. It never
// carries the password hash or the session list.
type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Provider  string `json:"provider,omitempty"`
}

// Profile projects the principal for external consumption.
func (principal *Principal) Profile() Profile {
	projected := Profile{
		ID:        principal.ID,
		FirstName: principal.FirstName,
		LastName:  principal.LastName,
		Username:  principal.Username,
		Email:     principal.Email,
	}
	if principal.Provider != nil {
		projected.Provider = principal.Provider.Provider
	}
	return projected
}

// HasLocalCredentials reports whether the principal can authenticate with a password.
func (principal *Principal) HasLocalCredentials() bool {
	return principal.PasswordHash != ""
}

// NormalizeEmail canonicalizes an email for uniqueness checks and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// appendSession returns a new session list with the token appended. When the
// list is at the device cap, the oldest entries are evicted first.
func appendSession(entries []SessionEntry, token string, createdAt time.Time, deviceCap int) []SessionEntry {
	appended := make([]SessionEntry, 0, len(entries)+1)
	appended = append(appended, entries...)
	if deviceCap > 0 {
		for len(appended) >= deviceCap {
			appended = appended[1:]
		}
	}
	return append(appended, SessionEntry{Token: token, CreatedAt: createdAt})
}

// removeSession returns a new session list without the exact token and
// whether the token was present.
func removeSession(entries []SessionEntry, token string) ([]SessionEntry, bool) {
	remaining := make([]SessionEntry, 0, len(entries))
	removed := false
	for _, entry := range entries {
		if !removed && entry.Token == token {
			removed = true
			continue
		}
		remaining = append(remaining, entry)
	}
	return remaining, removed
}

// containsSession reports whether the exact token is present in the list.
func containsSession(entries []SessionEntry, token string) bool {
	for _, entry := range entries {
		if entry.Token == token {
			return true
		}
	}
	return false
}

// pruneExpiredSessions returns a new session list keeping only entries the
// verify function still accepts. Entries that no longer decode are dropped
// alongside expired ones; they can never pass the dual-proof check again.
func pruneExpiredSessions(entries []SessionEntry, verify func(token string) error) []SessionEntry {
	kept := make([]SessionEntry, 0, len(entries))
	for _, entry := range entries {
		if verify(entry.Token) != nil {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

// cloneSessions copies a session list so callers never alias stored state.
func cloneSessions(entries []SessionEntry) []SessionEntry {
	if entries == nil {
		return nil
	}
	cloned := make([]SessionEntry, len(entries))
	copy(cloned, entries)
	return cloned
}
