package auth

import "time"

// Tenant is an isolated company namespace. Every user, role, and token is
// scoped to exactly one tenant.
type Tenant struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an employee account belonging to a tenant. Email is unique within
// the tenant, not globally.
type User struct {
	ID              string
	TenantID        string
	Email           string
	Name            string
	EmpNo           string
	Department      string
	RoleID          string
	Position        string
	ProfileImageURL string
	Credential      StoredCredential
	Status          string

	FailedLoginCount  int
	LockedUntil       *time.Time
	LastLoginAt       *time.Time
	PasswordChangedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the account may authenticate at all.
func (u *User) Active() bool {
	return u != nil && u.Status == StatusActive
}

// StatusActive is the only user status that permits authentication.
const StatusActive = "active"

// SocialLink associates a local user with an external identity provider
// subject. Unique per (tenant, provider, subject).
type SocialLink struct {
	ID        string
	UserID    string
	TenantID  string
	Provider  string
	SubjectID string
	Email     string
	CreatedAt time.Time
}

// RefreshToken is the persisted record of an issued refresh token. Only the
// SHA-256 fingerprint of the raw token is stored.
type RefreshToken struct {
	ID          string
	UserID      string
	TenantID    string
	Fingerprint string
	ExpiresAt   time.Time
	DeviceInfo  string
	IPAddress   string
	UserAgent   string
	Revoked     bool
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// LoginAttempt is an append-only audit record. Email is recorded even when
// no matching user exists.
type LoginAttempt struct {
	ID            string
	UserID        string
	TenantID      string
	Email         string
	Method        string
	Success       bool
	FailureReason string
	IPAddress     string
	UserAgent     string
	DeviceInfo    string
	CreatedAt     time.Time
}

// Login methods recorded in the attempt log.
const (
	MethodPassword = "PASSWORD"
	MethodGoogle   = "GOOGLE"
)

// MenuDescriptor is an opaque UI entry a permission grants access to.
type MenuDescriptor struct {
	Code      string `json:"code"`
	Label     string `json:"label"`
	Path      string `json:"path"`
	SortOrder int    `json:"sort_order"`
}

// Grants is the resolved authorization state for a user: deduplicated
// permission codes in stable order plus the menu entries they unlock.
type Grants struct {
	Permissions []string
	Menus       []MenuDescriptor
}
