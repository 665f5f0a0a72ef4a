package authkit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPrincipalStore is an in-memory store intended for tests and dev.
type MemoryPrincipalStore struct {
	mutex      sync.Mutex
	byID       map[string]*Principal
	byEmail    map[string]string
	byUsername map[string]string
}

// NewMemoryPrincipalStore creates an empty in-memory principal store.
func NewMemoryPrincipalStore() *MemoryPrincipalStore {
	return &MemoryPrincipalStore{
		byID:       make(map[string]*Principal),
		byEmail:    make(map[string]string),
		byUsername: make(map[string]string),
	}
}

// Create inserts a new principal, enforcing email and username uniqueness.
func (store *MemoryPrincipalStore) Create(ctx context.Context, principal *Principal) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.byEmail[principal.Email]; exists {
		return fmt.Errorf("principal_store.create: %w", ErrEmailTaken)
	}
	if _, exists := store.byUsername[principal.Username]; exists {
		return fmt.Errorf("principal_store.create: %w", ErrUsernameTaken)
	}
	stored := clonePrincipal(principal)
	store.byID[stored.ID] = stored
	store.byEmail[stored.Email] = stored.ID
	store.byUsername[stored.Username] = stored.ID
	return nil
}

// FindByID returns a copy of the principal with the given identifier.
func (store *MemoryPrincipalStore) FindByID(ctx context.Context, principalID string) (*Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(principalID)
}

// FindByEmail returns a copy of the principal with the given normalized email.
func (store *MemoryPrincipalStore) FindByEmail(ctx context.Context, normalizedEmail string) (*Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(store.byEmail[normalizedEmail])
}

// FindByUsername returns a copy of the principal with the given username.
func (store *MemoryPrincipalStore) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(store.byUsername[username])
}

// FindByProviderSubject returns a copy of the principal linked to an external identity.
func (store *MemoryPrincipalStore) FindByProviderSubject(ctx context.Context, provider string, subject string) (*Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, stored := range store.byID {
		if stored.Provider != nil && stored.Provider.Provider == provider && stored.Provider.Subject == subject {
			return clonePrincipal(stored), nil
		}
	}
	return nil, fmt.Errorf("principal_store.find: %w", ErrPrincipalNotFound)
}

// Save replaces the stored principal when the caller's Version matches the
// stored one, then bumps the version. A mismatch fails with ErrStaleVersion.
func (store *MemoryPrincipalStore) Save(ctx context.Context, principal *Principal) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	stored, exists := store.byID[principal.ID]
	if !exists {
		return fmt.Errorf("principal_store.save: %w", ErrPrincipalNotFound)
	}
	if stored.Version != principal.Version {
		return fmt.Errorf("principal_store.save: %w", ErrStaleVersion)
	}
	if stored.Username != principal.Username {
		if owner, taken := store.byUsername[principal.Username]; taken && owner != principal.ID {
			return fmt.Errorf("principal_store.save: %w", ErrUsernameTaken)
		}
		delete(store.byUsername, stored.Username)
		store.byUsername[principal.Username] = principal.ID
	}
	replacement := clonePrincipal(principal)
	replacement.Version = stored.Version + 1
	store.byID[principal.ID] = replacement
	principal.Version = replacement.Version
	return nil
}

// ListIDs returns the identifiers of every stored principal.
func (store *MemoryPrincipalStore) ListIDs(ctx context.Context) ([]string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	identifiers := make([]string, 0, len(store.byID))
	for principalID := range store.byID {
		identifiers = append(identifiers, principalID)
	}
	return identifiers, nil
}

func (store *MemoryPrincipalStore) lookupLocked(principalID string) (*Principal, error) {
	stored, exists := store.byID[principalID]
	if !exists {
		return nil, fmt.Errorf("principal_store.find: %w", ErrPrincipalNotFound)
	}
	return clonePrincipal(stored), nil
}

func clonePrincipal(principal *Principal) *Principal {
	cloned := *principal
	cloned.Sessions = cloneSessions(principal.Sessions)
	if principal.Provider != nil {
		link := *principal.Provider
		cloned.Provider = &link
	}
	return &cloned
}
