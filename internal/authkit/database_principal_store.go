package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("principal_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("principal_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("principal_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("principal_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("principal_store.unsupported_no_scheme")
)

// DatabasePrincipalStore persists principals using GORM.
type DatabasePrincipalStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabasePrincipalStore) Driver() string {
	return store.driverLabel
}

type principalRecord struct {
	PrincipalID     string `gorm:"column:principal_id;primaryKey"`
	FirstName       string `gorm:"column:first_name;not null"`
	LastName        string `gorm:"column:last_name;not null"`
	Username        string `gorm:"column:username;uniqueIndex;not null"`
	Email           string `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash    string `gorm:"column:password_hash;not null;default:''"`
	ProviderName    string `gorm:"column:provider_name;not null;default:''"`
	ProviderSubject string `gorm:"column:provider_subject;index;not null;default:''"`
	SessionsJSON    string `gorm:"column:sessions_json;not null;default:'[]'"`
	Version         int64  `gorm:"column:version;not null;default:0"`
	CreatedAtUnix   int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix   int64  `gorm:"column:updated_at_unix;not null"`
}

func (principalRecord) TableName() string {
	return "principals"
}

// NewDatabasePrincipalStore constructs a GORM-backed store for the URL's dialect.
func NewDatabasePrincipalStore(ctx context.Context, databaseURL string) (*DatabasePrincipalStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("principal_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("principal_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&principalRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("principal_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabasePrincipalStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Create inserts a new principal row, enforcing email and username uniqueness.
func (store *DatabasePrincipalStore) Create(ctx context.Context, principal *Principal) error {
	var emailCount int64
	if err := store.db.WithContext(ctx).Model(&principalRecord{}).Where("email = ?", principal.Email).Count(&emailCount).Error; err != nil {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, err)
	}
	if emailCount > 0 {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, ErrEmailTaken)
	}
	var usernameCount int64
	if err := store.db.WithContext(ctx).Model(&principalRecord{}).Where("username = ?", principal.Username).Count(&usernameCount).Error; err != nil {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, err)
	}
	if usernameCount > 0 {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, ErrUsernameTaken)
	}
	record, encodeErr := encodePrincipalRecord(principal)
	if encodeErr != nil {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, encodeErr)
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("principal_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindByID loads a principal by identifier.
func (store *DatabasePrincipalStore) FindByID(ctx context.Context, principalID string) (*Principal, error) {
	return store.findWhere(ctx, "principal_id = ?", principalID)
}

// FindByEmail loads a principal by normalized email.
func (store *DatabasePrincipalStore) FindByEmail(ctx context.Context, normalizedEmail string) (*Principal, error) {
	return store.findWhere(ctx, "email = ?", normalizedEmail)
}

// FindByUsername loads a principal by username.
func (store *DatabasePrincipalStore) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	return store.findWhere(ctx, "username = ?", username)
}

// FindByProviderSubject loads a principal by external identity reference.
func (store *DatabasePrincipalStore) FindByProviderSubject(ctx context.Context, provider string, subject string) (*Principal, error) {
	return store.findWhere(ctx, "provider_name = ? AND provider_subject = ?", provider, subject)
}

// Save replaces the stored row when the version matches, bumping it by one.
func (store *DatabasePrincipalStore) Save(ctx context.Context, principal *Principal) error {
	record, encodeErr := encodePrincipalRecord(principal)
	if encodeErr != nil {
		return fmt.Errorf("principal_store.save.%s: %w", store.driverLabel, encodeErr)
	}
	result := store.db.WithContext(ctx).Model(&principalRecord{}).
		Where("principal_id = ? AND version = ?", principal.ID, principal.Version).
		Updates(map[string]interface{}{
			"first_name":       record.FirstName,
			"last_name":        record.LastName,
			"username":         record.Username,
			"email":            record.Email,
			"password_hash":    record.PasswordHash,
			"provider_name":    record.ProviderName,
			"provider_subject": record.ProviderSubject,
			"sessions_json":    record.SessionsJSON,
			"version":          principal.Version + 1,
			"updated_at_unix":  record.UpdatedAtUnix,
		})
	if result.Error != nil {
		return fmt.Errorf("principal_store.save.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var existing principalRecord
		findErr := store.db.WithContext(ctx).Where("principal_id = ?", principal.ID).Take(&existing).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("principal_store.save.%s: %w", store.driverLabel, ErrPrincipalNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("principal_store.save.%s: %w", store.driverLabel, findErr)
		}
		return fmt.Errorf("principal_store.save.%s: %w", store.driverLabel, ErrStaleVersion)
	}
	principal.Version++
	return nil
}

// ListIDs returns every stored principal identifier.
func (store *DatabasePrincipalStore) ListIDs(ctx context.Context) ([]string, error) {
	var identifiers []string
	if err := store.db.WithContext(ctx).Model(&principalRecord{}).Pluck("principal_id", &identifiers).Error; err != nil {
		return nil, fmt.Errorf("principal_store.list.%s: %w", store.driverLabel, err)
	}
	return identifiers, nil
}

func (store *DatabasePrincipalStore) findWhere(ctx context.Context, query string, arguments ...interface{}) (*Principal, error) {
	var record principalRecord
	err := store.db.WithContext(ctx).Where(query, arguments...).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("principal_store.find.%s: %w", store.driverLabel, ErrPrincipalNotFound)
		}
		return nil, fmt.Errorf("principal_store.find.%s: %w", store.driverLabel, err)
	}
	return decodePrincipalRecord(record)
}

func encodePrincipalRecord(principal *Principal) (principalRecord, error) {
	sessions := principal.Sessions
	if sessions == nil {
		sessions = []SessionEntry{}
	}
	encoded, encodeErr := json.Marshal(sessions)
	if encodeErr != nil {
		return principalRecord{}, encodeErr
	}
	record := principalRecord{
		PrincipalID:   principal.ID,
		FirstName:     principal.FirstName,
		LastName:      principal.LastName,
		Username:      principal.Username,
		Email:         principal.Email,
		PasswordHash:  principal.PasswordHash,
		SessionsJSON:  string(encoded),
		Version:       principal.Version,
		CreatedAtUnix: principal.CreatedAt.Unix(),
		UpdatedAtUnix: principal.UpdatedAt.Unix(),
	}
	if principal.Provider != nil {
		record.ProviderName = principal.Provider.Provider
		record.ProviderSubject = principal.Provider.Subject
	}
	return record, nil
}

func decodePrincipalRecord(record principalRecord) (*Principal, error) {
	var sessions []SessionEntry
	if record.SessionsJSON != "" {
		if decodeErr := json.Unmarshal([]byte(record.SessionsJSON), &sessions); decodeErr != nil {
			return nil, fmt.Errorf("principal_store.decode_sessions: %w", decodeErr)
		}
	}
	principal := &Principal{
		ID:           record.PrincipalID,
		FirstName:    record.FirstName,
		LastName:     record.LastName,
		Username:     record.Username,
		Email:        record.Email,
		PasswordHash: record.PasswordHash,
		Sessions:     sessions,
		Version:      record.Version,
		CreatedAt:    unixTime(record.CreatedAtUnix),
		UpdatedAt:    unixTime(record.UpdatedAtUnix),
	}
	if record.ProviderName != "" {
		principal.Provider = &IdentityProviderLink{
			Provider: record.ProviderName,
			Subject:  record.ProviderSubject,
		}
	}
	return principal, nil
}

func unixTime(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("principal_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("principal_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("principal_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("principal_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
