package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// CredentialKind discriminates how a stored credential is encoded.
type CredentialKind int

const (
	// CredentialNone means the account has no local secret and can only
	// authenticate through an external identity provider.
	CredentialNone CredentialKind = iota
	// CredentialBcrypt is the supported hash format.
	CredentialBcrypt
	// CredentialPlaintext is a legacy format kept only for in-place
	// migration of imported accounts.
	//
	// Deprecated: rehash on next successful login; new credentials are
	// always bcrypt.
	CredentialPlaintext
)

// StoredCredential is the tagged representation of user_accounts.password_hash.
type StoredCredential struct {
	Kind  CredentialKind
	Value string
}

// ParseStoredCredential classifies a raw stored value. Bcrypt digests are
// recognised by their version prefix; anything else non-empty is legacy
// plaintext.
func ParseStoredCredential(raw string) StoredCredential {
	if raw == "" {
		return StoredCredential{Kind: CredentialNone}
	}
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(raw, prefix) {
			return StoredCredential{Kind: CredentialBcrypt, Value: raw}
		}
	}
	return StoredCredential{Kind: CredentialPlaintext, Value: raw}
}

// VerifyCredential compares a supplied secret against the stored credential.
// A CredentialNone store is a hard fail distinct from a wrong password.
// No side effects.
func VerifyCredential(cred StoredCredential, secret string) error {
	switch cred.Kind {
	case CredentialNone:
		return ErrSocialLoginOnly
	case CredentialBcrypt:
		if err := bcrypt.CompareHashAndPassword([]byte(cred.Value), []byte(secret)); err != nil {
			return ErrInvalidCredentials
		}
		return nil
	case CredentialPlaintext:
		if subtle.ConstantTimeCompare([]byte(cred.Value), []byte(secret)) != 1 {
			return ErrInvalidCredentials
		}
		return nil
	default:
		return ErrInvalidCredentials
	}
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
