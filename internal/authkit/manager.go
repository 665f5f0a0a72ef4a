package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionManager orchestrates registration, login, logout, and rotation
// against the PrincipalStore and TokenCodec. It never partially applies a
// mutation: a failed operation leaves the stored principal untouched.
type SessionManager struct {
	configuration ServerConfig
	principals    PrincipalStore
	hasher        *PasswordHasher
	codec         *TokenCodec
	clock         Clock
	logger        *zap.Logger
}

// NewSessionManager wires the manager's collaborators together.
func NewSessionManager(configuration ServerConfig, principals PrincipalStore, hasher *PasswordHasher, codec *TokenCodec, clock Clock, logger *zap.Logger) *SessionManager {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		configuration: configuration,
		principals:    principals,
		hasher:        hasher,
		codec:         codec,
		clock:         clock,
		logger:        logger,
	}
}

// RegistrationInput carries a pre-validated registration payload.
type RegistrationInput struct {
	FirstName string
	LastName  string
	Username  string
	Email     string
	Password  string
}

// LoginInput identifies a principal by exactly one of email or username.
type LoginInput struct {
	Email    string
	Username string
	Password string
}

// Register creates a local principal and issues its first token pair. When
// the email belongs to a federated-only principal, local credentials are
// attached to that principal instead of raising a conflict.
func (manager *SessionManager) Register(ctx context.Context, input RegistrationInput) (*Principal, TokenPair, error) {
	if input.FirstName == "" || input.LastName == "" || input.Username == "" || input.Email == "" || input.Password == "" {
		return nil, TokenPair{}, fmt.Errorf("session.register: %w", ErrMissingFields)
	}
	normalizedEmail := NormalizeEmail(input.Email)

	existing, findErr := manager.principals.FindByEmail(ctx, normalizedEmail)
	if findErr != nil && !errors.Is(findErr, ErrPrincipalNotFound) {
		return nil, TokenPair{}, findErr
	}
	if existing != nil {
		if existing.HasLocalCredentials() || existing.Provider == nil {
			return nil, TokenPair{}, fmt.Errorf("session.register: %w", ErrEmailTaken)
		}
		return manager.attachLocalCredentials(ctx, existing, input)
	}

	if takenErr := manager.ensureUsernameFree(ctx, input.Username, ""); takenErr != nil {
		return nil, TokenPair{}, takenErr
	}

	passwordHash, hashErr := manager.hasher.Hash(input.Password)
	if hashErr != nil {
		return nil, TokenPair{}, hashErr
	}

	now := manager.clock.Now().UTC()
	principal := &Principal{
		ID:           uuid.NewString(),
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Username:     input.Username,
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	pair, pairErr := manager.codec.IssuePair(principal.ID, principal.Email)
	if pairErr != nil {
		return nil, TokenPair{}, pairErr
	}
	principal.Sessions = appendSession(nil, pair.RefreshToken, now, manager.configuration.DeviceCap)

	if createErr := manager.principals.Create(ctx, principal); createErr != nil {
		return nil, TokenPair{}, createErr
	}
	manager.logger.Info("principal registered",
		zap.String("code", "session.register.success"),
		zap.String("principal_id", principal.ID))
	return principal, pair, nil
}

// attachLocalCredentials upgrades a federated-only principal with a password,
// username, and display name, then issues a token pair.
func (manager *SessionManager) attachLocalCredentials(ctx context.Context, principal *Principal, input RegistrationInput) (*Principal, TokenPair, error) {
	if takenErr := manager.ensureUsernameFree(ctx, input.Username, principal.ID); takenErr != nil {
		return nil, TokenPair{}, takenErr
	}
	passwordHash, hashErr := manager.hasher.Hash(input.Password)
	if hashErr != nil {
		return nil, TokenPair{}, hashErr
	}
	now := manager.clock.Now().UTC()
	principal.FirstName = input.FirstName
	principal.LastName = input.LastName
	principal.Username = input.Username
	principal.PasswordHash = passwordHash
	principal.UpdatedAt = now

	pair, pairErr := manager.codec.IssuePair(principal.ID, principal.Email)
	if pairErr != nil {
		return nil, TokenPair{}, pairErr
	}
	principal.Sessions = manager.admitSession(principal.Sessions, pair.RefreshToken, now)

	if saveErr := manager.principals.Save(ctx, principal); saveErr != nil {
		return nil, TokenPair{}, saveErr
	}
	manager.logger.Info("local credentials attached to federated principal",
		zap.String("code", "session.register.attach_local"),
		zap.String("principal_id", principal.ID))
	return principal, pair, nil
}

// Login authenticates local credentials and issues a new token pair. The
// session list is cleaned of expired entries before the device cap is applied.
func (manager *SessionManager) Login(ctx context.Context, input LoginInput) (*Principal, TokenPair, error) {
	if input.Password == "" || (input.Email == "" && input.Username == "") {
		return nil, TokenPair{}, fmt.Errorf("session.login: %w", ErrMissingFields)
	}

	var principal *Principal
	var findErr error
	if input.Email != "" {
		principal, findErr = manager.principals.FindByEmail(ctx, NormalizeEmail(input.Email))
	} else {
		principal, findErr = manager.principals.FindByUsername(ctx, input.Username)
	}
	if findErr != nil {
		return nil, TokenPair{}, findErr
	}
	if !principal.HasLocalCredentials() {
		return nil, TokenPair{}, fmt.Errorf("session.login: %w", ErrFederatedOnlyAccount)
	}
	if !manager.hasher.Verify(input.Password, principal.PasswordHash) {
		manager.logger.Info("login rejected",
			zap.String("code", "session.login.bad_password"),
			zap.String("principal_id", principal.ID))
		return nil, TokenPair{}, fmt.Errorf("session.login: %w", ErrInvalidCredentials)
	}

	pair, pairErr := manager.codec.IssuePair(principal.ID, principal.Email)
	if pairErr != nil {
		return nil, TokenPair{}, pairErr
	}
	now := manager.clock.Now().UTC()
	principal.Sessions = manager.admitSession(principal.Sessions, pair.RefreshToken, now)
	principal.UpdatedAt = now

	if saveErr := manager.principals.Save(ctx, principal); saveErr != nil {
		return nil, TokenPair{}, saveErr
	}
	manager.logger.Info("login succeeded",
		zap.String("code", "session.login.success"),
		zap.String("principal_id", principal.ID),
		zap.Int("active_sessions", len(principal.Sessions)))
	return principal, pair, nil
}

// Rotate exchanges a valid refresh token for a fresh access token. The
// refresh token must both verify cryptographically and be present in the
// principal's session list; it is not itself rotated, and the session list
// is never mutated here.
func (manager *SessionManager) Rotate(ctx context.Context, refreshToken string) (*Principal, string, time.Time, error) {
	if refreshToken == "" {
		return nil, "", time.Time{}, fmt.Errorf("session.rotate: %w", ErrMissingRefreshToken)
	}
	claims, verifyErr := manager.codec.Verify(refreshToken, TokenClassRefresh)
	if verifyErr != nil {
		return nil, "", time.Time{}, verifyErr
	}
	principal, findErr := manager.principals.FindByID(ctx, claims.PrincipalID)
	if findErr != nil {
		return nil, "", time.Time{}, findErr
	}
	if !containsSession(principal.Sessions, refreshToken) {
		manager.logger.Info("rotation rejected for revoked session",
			zap.String("code", "session.rotate.revoked"),
			zap.String("principal_id", principal.ID))
		return nil, "", time.Time{}, fmt.Errorf("session.rotate: %w", ErrSessionRevoked)
	}
	accessToken, expiresAt, issueErr := manager.codec.IssueAccessToken(principal.ID, principal.Email)
	if issueErr != nil {
		return nil, "", time.Time{}, issueErr
	}
	return principal, accessToken, expiresAt, nil
}

// Logout revokes the exact refresh token. Revoking a token that is missing,
// expired, or already revoked fails with an Unauthorized-kind error; a replay
// of a successful logout must not silently succeed.
func (manager *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("session.logout: %w", ErrMissingRefreshToken)
	}
	claims, verifyErr := manager.codec.Verify(refreshToken, TokenClassRefresh)
	if verifyErr != nil {
		return verifyErr
	}
	principal, findErr := manager.principals.FindByID(ctx, claims.PrincipalID)
	if findErr != nil {
		return findErr
	}
	remaining, removed := removeSession(principal.Sessions, refreshToken)
	if !removed {
		return fmt.Errorf("session.logout: %w", ErrSessionRevoked)
	}
	principal.Sessions = remaining
	principal.UpdatedAt = manager.clock.Now().UTC()
	if saveErr := manager.principals.Save(ctx, principal); saveErr != nil {
		return saveErr
	}
	manager.logger.Info("logout succeeded",
		zap.String("code", "session.logout.success"),
		zap.String("principal_id", principal.ID))
	return nil
}

// FederatedLogin resolves or creates a principal from a verified external
// identity and issues a token pair. An existing local principal with the
// same email gains the provider link rather than a duplicate being created.
func (manager *SessionManager) FederatedLogin(ctx context.Context, identity VerifiedIdentity) (*Principal, TokenPair, error) {
	if identity.Provider == "" || identity.Subject == "" || identity.Email == "" {
		return nil, TokenPair{}, fmt.Errorf("session.federated_login: %w", ErrMissingFields)
	}

	principal, findErr := manager.principals.FindByProviderSubject(ctx, identity.Provider, identity.Subject)
	if findErr != nil && !errors.Is(findErr, ErrPrincipalNotFound) {
		return nil, TokenPair{}, findErr
	}
	if principal == nil {
		byEmail, emailErr := manager.principals.FindByEmail(ctx, identity.Email)
		if emailErr != nil && !errors.Is(emailErr, ErrPrincipalNotFound) {
			return nil, TokenPair{}, emailErr
		}
		if byEmail != nil {
			byEmail.Provider = &IdentityProviderLink{Provider: identity.Provider, Subject: identity.Subject}
			principal = byEmail
		}
	}

	now := manager.clock.Now().UTC()
	if principal == nil {
		created, createErr := manager.createFederatedPrincipal(ctx, identity, now)
		if createErr != nil {
			return nil, TokenPair{}, createErr
		}
		principal = created
	}

	pair, pairErr := manager.codec.IssuePair(principal.ID, principal.Email)
	if pairErr != nil {
		return nil, TokenPair{}, pairErr
	}
	principal.Sessions = manager.admitSession(principal.Sessions, pair.RefreshToken, now)
	principal.UpdatedAt = now

	if saveErr := manager.principals.Save(ctx, principal); saveErr != nil {
		return nil, TokenPair{}, saveErr
	}
	manager.logger.Info("federated login succeeded",
		zap.String("code", "session.federated_login.success"),
		zap.String("principal_id", principal.ID),
		zap.String("provider", identity.Provider))
	return principal, pair, nil
}

func (manager *SessionManager) createFederatedPrincipal(ctx context.Context, identity VerifiedIdentity, now time.Time) (*Principal, error) {
	familyName := identity.FamilyName
	if familyName == "" {
		familyName = "Unknown"
	}
	username, usernameErr := manager.deriveUsername(ctx, identity.Email)
	if usernameErr != nil {
		return nil, usernameErr
	}
	principal := &Principal{
		ID:        uuid.NewString(),
		FirstName: identity.GivenName,
		LastName:  familyName,
		Username:  username,
		Email:     identity.Email,
		Provider:  &IdentityProviderLink{Provider: identity.Provider, Subject: identity.Subject},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if createErr := manager.principals.Create(ctx, principal); createErr != nil {
		return nil, createErr
	}
	return principal, nil
}

// ChangePassword rehashes the principal's password after verifying the old one.
func (manager *SessionManager) ChangePassword(ctx context.Context, principalID string, oldPassword string, newPassword string) error {
	if principalID == "" || oldPassword == "" || newPassword == "" {
		return fmt.Errorf("session.change_password: %w", ErrMissingFields)
	}
	if oldPassword == newPassword {
		return fmt.Errorf("session.change_password: %w", ErrSamePassword)
	}
	principal, findErr := manager.principals.FindByID(ctx, principalID)
	if findErr != nil {
		return findErr
	}
	if !principal.HasLocalCredentials() {
		return fmt.Errorf("session.change_password: %w", ErrFederatedOnlyAccount)
	}
	if !manager.hasher.Verify(oldPassword, principal.PasswordHash) {
		return fmt.Errorf("session.change_password: %w", ErrInvalidCredentials)
	}
	newHash, hashErr := manager.hasher.Hash(newPassword)
	if hashErr != nil {
		return hashErr
	}
	principal.PasswordHash = newHash
	principal.UpdatedAt = manager.clock.Now().UTC()
	return manager.principals.Save(ctx, principal)
}

// UpdateProfile changes the principal's display name and username.
func (manager *SessionManager) UpdateProfile(ctx context.Context, principalID string, firstName string, lastName string, username string) (*Profile, error) {
	if principalID == "" || firstName == "" || lastName == "" || username == "" {
		return nil, fmt.Errorf("session.update_profile: %w", ErrMissingFields)
	}
	principal, findErr := manager.principals.FindByID(ctx, principalID)
	if findErr != nil {
		return nil, findErr
	}
	if principal.Username != username {
		if takenErr := manager.ensureUsernameFree(ctx, username, principal.ID); takenErr != nil {
			return nil, takenErr
		}
	}
	principal.FirstName = firstName
	principal.LastName = lastName
	principal.Username = username
	principal.UpdatedAt = manager.clock.Now().UTC()
	if saveErr := manager.principals.Save(ctx, principal); saveErr != nil {
		return nil, saveErr
	}
	projected := principal.Profile()
	return &projected, nil
}

// Sweep prunes expired session entries across all principals. This is
// best-effort housekeeping, not a security boundary; principals that change
// concurrently are skipped and picked up on the next pass.
func (manager *SessionManager) Sweep(ctx context.Context) error {
	identifiers, listErr := manager.principals.ListIDs(ctx)
	if listErr != nil {
		return listErr
	}
	for _, principalID := range identifiers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		principal, findErr := manager.principals.FindByID(ctx, principalID)
		if findErr != nil {
			continue
		}
		pruned := manager.pruneSessions(principal.Sessions)
		if len(pruned) == len(principal.Sessions) {
			continue
		}
		principal.Sessions = pruned
		principal.UpdatedAt = manager.clock.Now().UTC()
		if saveErr := manager.principals.Save(ctx, principal); saveErr != nil && !errors.Is(saveErr, ErrStaleVersion) {
			manager.logger.Warn("session sweep save failed",
				zap.String("code", "session.sweep.save_failed"),
				zap.String("principal_id", principalID),
				zap.Error(saveErr))
		}
	}
	return nil
}

// RunSweeper runs Sweep on the configured interval until the context ends.
func (manager *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sweepErr := manager.Sweep(ctx); sweepErr != nil && !errors.Is(sweepErr, context.Canceled) {
				manager.logger.Warn("session sweep failed",
					zap.String("code", "session.sweep.failed"),
					zap.Error(sweepErr))
			}
		}
	}
}

// admitSession prunes expired entries, then appends the new refresh token,
// evicting the oldest session when the device cap is reached.
func (manager *SessionManager) admitSession(entries []SessionEntry, refreshToken string, now time.Time) []SessionEntry {
	pruned := manager.pruneSessions(entries)
	return appendSession(pruned, refreshToken, now, manager.configuration.DeviceCap)
}

func (manager *SessionManager) pruneSessions(entries []SessionEntry) []SessionEntry {
	return pruneExpiredSessions(entries, func(token string) error {
		_, verifyErr := manager.codec.Verify(token, TokenClassRefresh)
		return verifyErr
	})
}

// deriveUsername builds a username from the email local part, adding a
// numeric suffix until it is free.
func (manager *SessionManager) deriveUsername(ctx context.Context, email string) (string, error) {
	base := strings.SplitN(email, "@", 2)[0]
	if base == "" {
		base = "user"
	}
	candidate := base
	for suffix := 1; ; suffix++ {
		_, findErr := manager.principals.FindByUsername(ctx, candidate)
		if errors.Is(findErr, ErrPrincipalNotFound) {
			return candidate, nil
		}
		if findErr != nil {
			return "", findErr
		}
		if suffix > 100 {
			return base + "-" + uuid.NewString()[:8], nil
		}
		candidate = fmt.Sprintf("%s%d", base, suffix)
	}
}

func (manager *SessionManager) ensureUsernameFree(ctx context.Context, username string, allowedPrincipalID string) error {
	owner, findErr := manager.principals.FindByUsername(ctx, username)
	if errors.Is(findErr, ErrPrincipalNotFound) {
		return nil
	}
	if findErr != nil {
		return findErr
	}
	if owner.ID == allowedPrincipalID {
		return nil
	}
	return fmt.Errorf("session.username_check: %w", ErrUsernameTaken)
}
