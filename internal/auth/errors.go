package auth

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy surfaced by the session engine. Lower-layer errors are
// translated into one of these at the Service boundary; user-absent,
// wrong-password and social-only failures are all collapsed into
// ErrInvalidCredentials externally so callers cannot enumerate accounts.
var (
	ErrInvalidCredentials  = errors.New("auth: invalid credentials")
	ErrAccountLocked       = errors.New("auth: account locked")
	ErrSocialLoginOnly     = errors.New("auth: account uses social login")
	ErrNotFound            = errors.New("auth: not found")
	ErrConflict            = errors.New("auth: already exists")
	ErrInvalidToken        = errors.New("auth: invalid or expired token")
	ErrInvalidRefreshToken = errors.New("auth: invalid or revoked refresh token")
	ErrExternalService     = errors.New("auth: external identity service failure")
	ErrValidation          = errors.New("auth: validation failed")
	ErrUnauthorized        = errors.New("auth: unauthorized")
)

// Token verification sub-reasons. Each wraps ErrInvalidToken so callers only
// ever need to match the opaque class; the sub-reason is for internal logs.
var (
	ErrTokenSignature    = fmt.Errorf("%w: signature", ErrInvalidToken)
	ErrTokenExpired      = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenKindMismatch = fmt.Errorf("%w: kind mismatch", ErrInvalidToken)
	ErrTokenMissingClaim = fmt.Errorf("%w: missing claim", ErrInvalidToken)
)

// AccountLockedError carries the lock expiry. It is the only failure class
// that exposes timing information to the caller.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }
