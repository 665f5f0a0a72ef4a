package authkit

import "context"

// PrincipalStore persists and retrieves principals. Save performs a
// compare-and-swap on the principal's Version; concurrent read-modify-write
// cycles against the same principal must lose with ErrStaleVersion instead
// of overwriting each other.
type PrincipalStore interface {
	Create(ctx context.Context, principal *Principal) error
	FindByID(ctx context.Context, principalID string) (*Principal, error)
	FindByEmail(ctx context.Context, normalizedEmail string) (*Principal, error)
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	FindByProviderSubject(ctx context.Context, provider string, subject string) (*Principal, error)
	Save(ctx context.Context, principal *Principal) error
	ListIDs(ctx context.Context) ([]string, error)
}
