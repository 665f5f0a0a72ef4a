package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

const googleProviderName = "google"

var (
	// ErrFederatedTokenInvalid indicates the provider token failed validation.
	ErrFederatedTokenInvalid = errors.New("federated.invalid_token")
	// ErrFederatedIdentityUnverified indicates the provider claims lack a verified identity.
	ErrFederatedIdentityUnverified = errors.New("federated.unverified_identity")
)

// GoogleTokenValidator validates Google ID tokens against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

type googleTokenValidator struct {
	validator *idtoken.Validator
}

// NewGoogleTokenValidator constructs a validator backed by Google's JWKS.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, validatorErr := idtoken.NewValidator(ctx)
	if validatorErr != nil {
		return nil, fmt.Errorf("federated.validator_init: %w", validatorErr)
	}
	return &googleTokenValidator{validator: validator}, nil
}

func (wrapper *googleTokenValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return wrapper.validator.Validate(ctx, token, audience)
}

// VerifiedIdentity is the output of a completed federated handshake: a
// provider-attested identity the session manager can trust.
type VerifiedIdentity struct {
	Provider   string
	Subject    string
	Email      string
	GivenName  string
	FamilyName string
}

// VerifyGoogleIdentity validates a Google ID token and extracts the verified
// identity claim the session manager consumes.
func VerifyGoogleIdentity(ctx context.Context, validator GoogleTokenValidator, rawIDToken string, audience string) (VerifiedIdentity, error) {
	payload, validateErr := validator.Validate(ctx, rawIDToken, audience)
	if validateErr != nil {
		return VerifiedIdentity{}, fmt.Errorf("federated.verify: %w", ErrFederatedTokenInvalid)
	}
	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return VerifiedIdentity{}, fmt.Errorf("federated.verify: %w", ErrFederatedTokenInvalid)
	}
	subject, _ := payload.Claims["sub"].(string)
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	givenName, _ := payload.Claims["given_name"].(string)
	familyName, _ := payload.Claims["family_name"].(string)
	if givenName == "" {
		if fullName, _ := payload.Claims["name"].(string); fullName != "" {
			parts := strings.Fields(fullName)
			givenName = parts[0]
			if familyName == "" && len(parts) > 1 {
				familyName = strings.Join(parts[1:], " ")
			}
		}
	}
	if subject == "" || email == "" || !emailVerified {
		return VerifiedIdentity{}, fmt.Errorf("federated.verify: %w", ErrFederatedIdentityUnverified)
	}
	return VerifiedIdentity{
		Provider:   googleProviderName,
		Subject:    subject,
		Email:      NormalizeEmail(email),
		GivenName:  givenName,
		FamilyName: familyName,
	}, nil
}
