package authkit

import (
	"errors"
	"net/http"
)

// Session and token sentinel errors raised by the SessionManager and TokenCodec.
var (
	// ErrMissingFields indicates a required registration or login field was empty.
	ErrMissingFields = errors.New("session.missing_fields")
	// ErrMissingRefreshToken indicates a logout or rotation call without a refresh token.
	ErrMissingRefreshToken = errors.New("session.missing_refresh_token")
	// ErrInvalidCredentials indicates the supplied password did not verify.
	ErrInvalidCredentials = errors.New("session.invalid_credentials")
	// ErrFederatedOnlyAccount indicates a password login against a principal without local credentials.
	ErrFederatedOnlyAccount = errors.New("session.federated_only_account")
	// ErrSessionRevoked indicates a refresh token absent from the principal's session list.
	ErrSessionRevoked = errors.New("session.revoked")
	// ErrSamePassword indicates a password change reusing the current password.
	ErrSamePassword = errors.New("session.same_password")
	// ErrTokenExpired indicates a token whose signature verified but whose expiry passed.
	ErrTokenExpired = errors.New("token.expired")
	// ErrTokenMalformed indicates a token with a bad signature or structure.
	ErrTokenMalformed = errors.New("token.malformed")
)

// Principal store sentinel errors shared by every PrincipalStore implementation.
var (
	// ErrPrincipalNotFound indicates no principal matched the lookup.
	ErrPrincipalNotFound = errors.New("principal_store.not_found")
	// ErrEmailTaken indicates the normalized email is already registered.
	ErrEmailTaken = errors.New("principal_store.email_taken")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("principal_store.username_taken")
	// ErrStaleVersion indicates a compare-and-swap save lost against a concurrent update.
	ErrStaleVersion = errors.New("principal_store.stale_version")
)

// ErrorKind classifies session errors for the transport layer.
type ErrorKind int

// Error kinds in the order the transport maps them.
const (
	KindInternal ErrorKind = iota
	KindBadRequest
	KindUnauthorized
	KindConflict
	KindNotFound
)

// KindOf resolves the taxonomy kind for an error raised by this package.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrMissingFields),
		errors.Is(err, ErrMissingRefreshToken),
		errors.Is(err, ErrSamePassword):
		return KindBadRequest
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrFederatedOnlyAccount),
		errors.Is(err, ErrSessionRevoked),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenMalformed):
		return KindUnauthorized
	case errors.Is(err, ErrEmailTaken),
		errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrStaleVersion):
		return KindConflict
	case errors.Is(err, ErrPrincipalNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// HTTPStatus maps an error kind to the stable status code the transport emits.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
