package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the session engine.
type Store interface {
	Tenants(ctx context.Context) TenantStore
	Users(ctx context.Context) UserStore
	SocialLinks(ctx context.Context) SocialLinkStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Permissions(ctx context.Context) PermissionStore
	LoginAttempts(ctx context.Context) LoginAttemptStore
}

// TenantStore manages company namespaces.
type TenantStore interface {
	Find(ctx context.Context, id string) (*Tenant, error)
}

// UserStore manages employee accounts. All lookups are tenant-scoped.
type UserStore interface {
	Find(ctx context.Context, tenantID, userID string) (*User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)

	// RecordFailure increments the failed-login counter and, when the
	// post-increment count reaches threshold, stamps the lock expiry in the
	// same statement. Returns the new count. Best-effort under concurrency.
	RecordFailure(ctx context.Context, userID string, threshold int, lockedUntil time.Time) (int, error)

	// ResetLoginState clears the failure counter and lock unconditionally
	// and records the login time.
	ResetLoginState(ctx context.Context, userID string, loginAt time.Time) error

	UpdateCredential(ctx context.Context, userID, passwordHash string, changedAt time.Time) error
}

// SocialLinkStore manages external identity links. Create must enforce
// uniqueness on (tenant, provider, subject) so concurrent first logins
// cannot produce two links; a duplicate insert returns ErrConflict.
type SocialLinkStore interface {
	Find(ctx context.Context, tenantID, provider, subjectID string) (*SocialLink, error)
	Create(ctx context.Context, link *SocialLink) error
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Save(ctx context.Context, tok *RefreshToken) error

	// FindActive never returns a revoked record or one whose expiry has
	// passed, regardless of the revocation flag.
	FindActive(ctx context.Context, fingerprint string) (*RefreshToken, error)

	// Revoke is idempotent: revoking twice, or an unknown fingerprint, is
	// not an error.
	Revoke(ctx context.Context, fingerprint string) error
}

// PermissionStore resolves role/duty assignments to permission codes and
// menu entries. Rows disabled at any join step are excluded.
type PermissionStore interface {
	PermissionsForUser(ctx context.Context, tenantID, userID string) ([]string, error)
	MenusForUser(ctx context.Context, tenantID, userID string) ([]MenuDescriptor, error)
}

// LoginAttemptStore appends immutable audit records.
type LoginAttemptStore interface {
	Append(ctx context.Context, attempt *LoginAttempt) error
}
