package authkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newStoredPrincipal(t *testing.T, store PrincipalStore, id string, username string, email string) *Principal {
	t.Helper()
	now := time.Unix(1700000000, 0).UTC()
	principal := &Principal{
		ID:           id,
		FirstName:    "Test",
		LastName:     "Principal",
		Username:     username,
		Email:        email,
		PasswordHash: "$2a$04$digest",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if createErr := store.Create(context.Background(), principal); createErr != nil {
		t.Fatalf("unexpected create error: %v", createErr)
	}
	return principal
}

func TestMemoryStoreCreateAndLookups(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	created := newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	byID, idErr := store.FindByID(ctx, created.ID)
	if idErr != nil {
		t.Fatalf("unexpected FindByID error: %v", idErr)
	}
	if byID.Username != "alice" {
		t.Fatalf("unexpected principal from FindByID: %+v", byID)
	}

	if _, emailErr := store.FindByEmail(ctx, "alice@example.com"); emailErr != nil {
		t.Fatalf("unexpected FindByEmail error: %v", emailErr)
	}
	if _, usernameErr := store.FindByUsername(ctx, "alice"); usernameErr != nil {
		t.Fatalf("unexpected FindByUsername error: %v", usernameErr)
	}
	if _, missingErr := store.FindByID(ctx, "principal-2"); !errors.Is(missingErr, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", missingErr)
	}
}

func TestMemoryStoreCreateRejectsDuplicates(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	duplicateEmail := &Principal{ID: "principal-2", Username: "other", Email: "alice@example.com"}
	if createErr := store.Create(ctx, duplicateEmail); !errors.Is(createErr, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", createErr)
	}
	duplicateUsername := &Principal{ID: "principal-3", Username: "alice", Email: "other@example.com"}
	if createErr := store.Create(ctx, duplicateUsername); !errors.Is(createErr, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", createErr)
	}
}

func TestMemoryStoreSaveBumpsVersion(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	created := newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	versionBeforeSave := created.Version
	created.FirstName = "Alicia"
	if saveErr := store.Save(ctx, created); saveErr != nil {
		t.Fatalf("unexpected save error: %v", saveErr)
	}
	reloaded, findErr := store.FindByID(ctx, created.ID)
	if findErr != nil {
		t.Fatalf("unexpected lookup error: %v", findErr)
	}
	if reloaded.FirstName != "Alicia" {
		t.Fatalf("expected the save to apply, got %s", reloaded.FirstName)
	}
	if reloaded.Version != versionBeforeSave+1 {
		t.Fatalf("expected the version to advance by one, got %d from %d", reloaded.Version, versionBeforeSave)
	}
}

func TestMemoryStoreSaveRejectsStaleVersion(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	first, _ := store.FindByID(ctx, "principal-1")
	second, _ := store.FindByID(ctx, "principal-1")

	first.FirstName = "Winner"
	if saveErr := store.Save(ctx, first); saveErr != nil {
		t.Fatalf("unexpected save error: %v", saveErr)
	}
	second.FirstName = "Loser"
	if saveErr := store.Save(ctx, second); !errors.Is(saveErr, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for the losing writer, got %v", saveErr)
	}

	reloaded, _ := store.FindByID(ctx, "principal-1")
	if reloaded.FirstName != "Winner" {
		t.Fatalf("expected the first writer to win, got %s", reloaded.FirstName)
	}
}

func TestMemoryStoreSaveRemapsUsername(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	created := newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	created.Username = "alicia"
	if saveErr := store.Save(ctx, created); saveErr != nil {
		t.Fatalf("unexpected save error: %v", saveErr)
	}
	if _, oldErr := store.FindByUsername(ctx, "alice"); !errors.Is(oldErr, ErrPrincipalNotFound) {
		t.Fatalf("expected the old username to be released, got %v", oldErr)
	}
	if _, newErr := store.FindByUsername(ctx, "alicia"); newErr != nil {
		t.Fatalf("expected the new username to resolve: %v", newErr)
	}
}

func TestMemoryStoreReturnsDetachedCopies(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	created := newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	created.Sessions = appendSession(created.Sessions, "token-a", time.Unix(1700000000, 0).UTC(), 5)
	if saveErr := store.Save(ctx, created); saveErr != nil {
		t.Fatalf("unexpected save error: %v", saveErr)
	}

	loaded, _ := store.FindByID(ctx, created.ID)
	loaded.Sessions[0].Token = "mutated"
	loaded.FirstName = "Mutated"

	reloaded, _ := store.FindByID(ctx, created.ID)
	if reloaded.Sessions[0].Token != "token-a" || reloaded.FirstName == "Mutated" {
		t.Fatalf("expected stored state to be isolated from caller mutation")
	}
}

func TestMemoryStoreListIDs(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	newStoredPrincipal(t, store, "principal-2", "bob", "bob@example.com")

	identifiers, listErr := store.ListIDs(context.Background())
	if listErr != nil {
		t.Fatalf("unexpected list error: %v", listErr)
	}
	if len(identifiers) != 2 {
		t.Fatalf("expected 2 identifiers, got %d", len(identifiers))
	}
}

func TestMemoryStoreFindByProviderSubject(t *testing.T) {
	t.Parallel()

	store := NewMemoryPrincipalStore()
	created := newStoredPrincipal(t, store, "principal-1", "alice", "alice@example.com")
	ctx := context.Background()

	created.Provider = &IdentityProviderLink{Provider: "google", Subject: "sub-1"}
	if saveErr := store.Save(ctx, created); saveErr != nil {
		t.Fatalf("unexpected save error: %v", saveErr)
	}

	linked, findErr := store.FindByProviderSubject(ctx, "google", "sub-1")
	if findErr != nil {
		t.Fatalf("unexpected lookup error: %v", findErr)
	}
	if linked.ID != created.ID {
		t.Fatalf("expected the linked principal, got %s", linked.ID)
	}
	if _, missingErr := store.FindByProviderSubject(ctx, "google", "sub-2"); !errors.Is(missingErr, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", missingErr)
	}
}
