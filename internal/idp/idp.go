// Package idp verifies tokens issued by external identity providers and
// normalizes the result into a provider-independent identity.
package idp

import (
	"context"
	"errors"
	"fmt"
)

// Identity is the normalized result of a verified provider token.
type Identity struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Locale        string
}

// Verifier validates an identity token with its provider.
type Verifier interface {
	// Verify returns the identity asserted by the token. Provider outages
	// surface as ErrUnavailable; everything wrong with the token itself
	// (bad signature, unknown audience, unverified email) surfaces as
	// ErrInvalidToken.
	Verify(ctx context.Context, idToken string) (Identity, error)
}

var (
	ErrInvalidToken = errors.New("idp: invalid identity token")
	ErrUnavailable  = errors.New("idp: identity provider unavailable")

	// ErrEmailUnverified wraps ErrInvalidToken: an identity whose provider
	// has not verified the email must never authenticate.
	ErrEmailUnverified = fmt.Errorf("%w: email not verified", ErrInvalidToken)
)
