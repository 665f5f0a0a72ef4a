package authkitpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkstitch/authd/internal/authkit"
)

// PostgresPrincipalStore persists principals in PostgreSQL with raw SQL.
// Saves are compare-and-swap on the version column.
type PostgresPrincipalStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPrincipalStore constructs a Postgres store.
func NewPostgresPrincipalStore(pool *pgxpool.Pool) *PostgresPrincipalStore {
	return &PostgresPrincipalStore{pool: pool}
}

const principalColumns = `principal_id, first_name, last_name, username, email, password_hash, provider_name, provider_subject, sessions, version, created_at_unix, updated_at_unix`

// Create inserts a new principal row, enforcing email and username uniqueness.
func (store *PostgresPrincipalStore) Create(ctx context.Context, principal *authkit.Principal) error {
	sessions, encodeErr := encodeSessions(principal.Sessions)
	if encodeErr != nil {
		return fmt.Errorf("principal_store.create.pg: %w", encodeErr)
	}
	providerName, providerSubject := providerParts(principal)
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO principals (`+principalColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, principal.ID, principal.FirstName, principal.LastName, principal.Username, principal.Email,
		principal.PasswordHash, providerName, providerSubject, sessions, principal.Version,
		principal.CreatedAt.Unix(), principal.UpdatedAt.Unix())
	if execErr != nil {
		return fmt.Errorf("principal_store.create.pg: %w", classifyUniqueViolation(execErr))
	}
	return nil
}

// FindByID loads a principal by identifier.
func (store *PostgresPrincipalStore) FindByID(ctx context.Context, principalID string) (*authkit.Principal, error) {
	return store.findWhere(ctx, "principal_id = $1", principalID)
}

// FindByEmail loads a principal by normalized email.
func (store *PostgresPrincipalStore) FindByEmail(ctx context.Context, normalizedEmail string) (*authkit.Principal, error) {
	return store.findWhere(ctx, "email = $1", normalizedEmail)
}

// FindByUsername loads a principal by username.
func (store *PostgresPrincipalStore) FindByUsername(ctx context.Context, username string) (*authkit.Principal, error) {
	return store.findWhere(ctx, "username = $1", username)
}

// FindByProviderSubject loads a principal by external identity reference.
func (store *PostgresPrincipalStore) FindByProviderSubject(ctx context.Context, provider string, subject string) (*authkit.Principal, error) {
	return store.findWhere(ctx, "provider_name = $1 AND provider_subject = $2", provider, subject)
}

// Save replaces the stored row when the caller's version matches.
func (store *PostgresPrincipalStore) Save(ctx context.Context, principal *authkit.Principal) error {
	sessions, encodeErr := encodeSessions(principal.Sessions)
	if encodeErr != nil {
		return fmt.Errorf("principal_store.save.pg: %w", encodeErr)
	}
	providerName, providerSubject := providerParts(principal)
	tag, execErr := store.pool.Exec(ctx, `
UPDATE principals
SET first_name = $1, last_name = $2, username = $3, email = $4, password_hash = $5,
    provider_name = $6, provider_subject = $7, sessions = $8, version = version + 1,
    updated_at_unix = $9
WHERE principal_id = $10 AND version = $11
`, principal.FirstName, principal.LastName, principal.Username, principal.Email, principal.PasswordHash,
		providerName, providerSubject, sessions, time.Now().UTC().Unix(), principal.ID, principal.Version)
	if execErr != nil {
		return fmt.Errorf("principal_store.save.pg: %w", classifyUniqueViolation(execErr))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		scanErr := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE principal_id = $1)`, principal.ID).Scan(&exists)
		if scanErr != nil {
			return fmt.Errorf("principal_store.save.pg: %w", scanErr)
		}
		if !exists {
			return fmt.Errorf("principal_store.save.pg: %w", authkit.ErrPrincipalNotFound)
		}
		return fmt.Errorf("principal_store.save.pg: %w", authkit.ErrStaleVersion)
	}
	principal.Version++
	return nil
}

// ListIDs returns every stored principal identifier.
func (store *PostgresPrincipalStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, queryErr := store.pool.Query(ctx, `SELECT principal_id FROM principals`)
	if queryErr != nil {
		return nil, fmt.Errorf("principal_store.list.pg: %w", queryErr)
	}
	defer rows.Close()
	var identifiers []string
	for rows.Next() {
		var principalID string
		if scanErr := rows.Scan(&principalID); scanErr != nil {
			return nil, fmt.Errorf("principal_store.list.pg: %w", scanErr)
		}
		identifiers = append(identifiers, principalID)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("principal_store.list.pg: %w", rowsErr)
	}
	return identifiers, nil
}

func (store *PostgresPrincipalStore) findWhere(ctx context.Context, condition string, arguments ...interface{}) (*authkit.Principal, error) {
	row := store.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE `+condition, arguments...)
	principal, scanErr := scanPrincipal(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("principal_store.find.pg: %w", authkit.ErrPrincipalNotFound)
		}
		return nil, fmt.Errorf("principal_store.find.pg: %w", scanErr)
	}
	return principal, nil
}

func scanPrincipal(row pgx.Row) (*authkit.Principal, error) {
	var principal authkit.Principal
	var providerName string
	var providerSubject string
	var sessions []byte
	var createdAtUnix int64
	var updatedAtUnix int64
	scanErr := row.Scan(&principal.ID, &principal.FirstName, &principal.LastName, &principal.Username,
		&principal.Email, &principal.PasswordHash, &providerName, &providerSubject, &sessions,
		&principal.Version, &createdAtUnix, &updatedAtUnix)
	if scanErr != nil {
		return nil, scanErr
	}
	if len(sessions) > 0 {
		if decodeErr := json.Unmarshal(sessions, &principal.Sessions); decodeErr != nil {
			return nil, decodeErr
		}
	}
	if providerName != "" {
		principal.Provider = &authkit.IdentityProviderLink{Provider: providerName, Subject: providerSubject}
	}
	principal.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	principal.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return &principal, nil
}

func encodeSessions(entries []authkit.SessionEntry) ([]byte, error) {
	if entries == nil {
		entries = []authkit.SessionEntry{}
	}
	return json.Marshal(entries)
}

func providerParts(principal *authkit.Principal) (string, string) {
	if principal.Provider == nil {
		return "", ""
	}
	return principal.Provider.Provider, principal.Provider.Subject
}

func classifyUniqueViolation(execErr error) error {
	var pgErr *pgconn.PgError
	if errors.As(execErr, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "principals_email_key":
			return authkit.ErrEmailTaken
		case "principals_username_key":
			return authkit.ErrUsernameTaken
		}
	}
	return execErr
}
