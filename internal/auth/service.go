package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"staffgate.org/internal/idp"
	"staffgate.org/internal/obs"
)

// Service orchestrates the authentication flows: password and social login,
// token refresh, logout, and password change. It owns the lockout policy and
// the durable attempt log; transport concerns stay out of this package.
type Service struct {
	store   Store
	codec   *Codec
	idp     idp.Verifier
	lockout LockoutPolicy
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIdentityVerifier wires an external identity provider used by social
// login. Social login is rejected when no verifier is configured.
func WithIdentityVerifier(v idp.Verifier) ServiceOption {
	return func(s *Service) error {
		s.idp = v
		return nil
	}
}

// WithLockoutPolicy overrides the failure threshold and lock window.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold <= 0 || p.Window <= 0 {
			return errors.New("auth: lockout policy requires positive threshold and window")
		}
		s.lockout = p
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService wires the session engine over a Store and a token Codec.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	s := &Service{
		store:   store,
		codec:   codec,
		lockout: DefaultLockoutPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RequestContext carries client metadata recorded alongside every attempt
// and issued refresh token.
type RequestContext struct {
	IPAddress  string
	UserAgent  string
	DeviceInfo string
}

// PasswordLoginInput is a tenant-scoped email and password login request.
type PasswordLoginInput struct {
	TenantID string
	Email    string
	Password string
	Context  RequestContext
}

// GoogleLoginInput carries a Google-issued ID token for social login.
type GoogleLoginInput struct {
	TenantID string
	IDToken  string
	Context  RequestContext
}

// Profile is the user snapshot returned with a session.
type Profile struct {
	UserID          string     `json:"user_id"`
	TenantID        string     `json:"tenant_id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	EmpNo           string     `json:"emp_no,omitempty"`
	Department      string     `json:"department,omitempty"`
	RoleID          string     `json:"role_id,omitempty"`
	Position        string     `json:"position,omitempty"`
	ProfileImageURL string     `json:"profile_image_url,omitempty"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
}

// Session is a successful login result: the signed token pair plus the
// profile and grants snapshot it was issued against.
type Session struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	TokenType    string           `json:"token_type"`
	ExpiresIn    int              `json:"expires_in"`
	User         Profile          `json:"user"`
	Permissions  []string         `json:"permissions"`
	Menus        []MenuDescriptor `json:"menus"`
}

// AccessGrant is the result of a token refresh: a fresh access token only.
// The refresh token presented by the caller remains valid until its own
// expiry or explicit revocation.
type AccessGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

const tokenTypeBearer = "bearer"

// Login authenticates a tenant-scoped email and password. Absent users,
// wrong passwords and disabled accounts are indistinguishable to the caller;
// only an active lockout surfaces its own error class.
func (s *Service) Login(ctx context.Context, in PasswordLoginInput) (*Session, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	attempt := &LoginAttempt{
		TenantID:   tenantID,
		Email:      email,
		Method:     MethodPassword,
		IPAddress:  in.Context.IPAddress,
		UserAgent:  in.Context.UserAgent,
		DeviceInfo: in.Context.DeviceInfo,
	}
	if tenantID == "" || email == "" || in.Password == "" {
		s.recordFailure(ctx, attempt, "missing credentials")
		return nil, ErrInvalidCredentials
	}

	tenant, err := s.store.Tenants(ctx).Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordFailure(ctx, attempt, "tenant not found")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !tenant.Active {
		s.recordFailure(ctx, attempt, "tenant inactive")
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordFailure(ctx, attempt, "user not found")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	attempt.UserID = user.ID

	if !user.Active() {
		s.recordFailure(ctx, attempt, "account disabled")
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if user.Locked(now) {
		s.recordFailure(ctx, attempt, "account locked")
		return nil, &AccountLockedError{Until: *user.LockedUntil}
	}

	if err := VerifyCredential(user.Credential, in.Password); err != nil {
		if errors.Is(err, ErrSocialLoginOnly) {
			s.recordFailure(ctx, attempt, "social login only")
			return nil, ErrSocialLoginOnly
		}
		lockAt := now.Add(s.lockout.Window)
		count, ferr := s.store.Users(ctx).RecordFailure(ctx, user.ID, s.lockout.Threshold, lockAt)
		if ferr != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "login_failure_count_update_failed",
				"error": ferr.Error(),
			})
		} else if count == s.lockout.Threshold {
			obs.CountLockout()
		}
		s.recordFailure(ctx, attempt, "invalid password")
		return nil, ErrInvalidCredentials
	}

	return s.establish(ctx, user, attempt)
}

// LoginWithGoogle authenticates a Google ID token against the tenant's
// employee directory. First-time logins are linked by verified email; later
// logins resolve through the stored link.
func (s *Service) LoginWithGoogle(ctx context.Context, in GoogleLoginInput) (*Session, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	attempt := &LoginAttempt{
		TenantID:   tenantID,
		Method:     MethodGoogle,
		IPAddress:  in.Context.IPAddress,
		UserAgent:  in.Context.UserAgent,
		DeviceInfo: in.Context.DeviceInfo,
	}
	if s.idp == nil {
		s.recordFailure(ctx, attempt, "identity provider not configured")
		return nil, ErrExternalService
	}
	if tenantID == "" || strings.TrimSpace(in.IDToken) == "" {
		s.recordFailure(ctx, attempt, "missing credentials")
		return nil, ErrInvalidCredentials
	}

	tenant, err := s.store.Tenants(ctx).Find(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordFailure(ctx, attempt, "tenant not found")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !tenant.Active {
		s.recordFailure(ctx, attempt, "tenant inactive")
		return nil, ErrInvalidCredentials
	}

	identity, err := s.idp.Verify(ctx, in.IDToken)
	if err != nil {
		if errors.Is(err, idp.ErrUnavailable) {
			s.recordFailure(ctx, attempt, "identity provider unavailable")
			return nil, ErrExternalService
		}
		s.recordFailure(ctx, attempt, "invalid identity token")
		return nil, ErrInvalidToken
	}
	attempt.Email = identity.Email

	user, err := s.resolveSocialUser(ctx, tenantID, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordFailure(ctx, attempt, "employee not found")
		}
		return nil, err
	}
	attempt.UserID = user.ID

	if !user.Active() {
		s.recordFailure(ctx, attempt, "account disabled")
		return nil, ErrInvalidCredentials
	}
	if now := s.now().UTC(); user.Locked(now) {
		s.recordFailure(ctx, attempt, "account locked")
		return nil, &AccountLockedError{Until: *user.LockedUntil}
	}

	return s.establish(ctx, user, attempt)
}

// resolveSocialUser finds the local account for an external identity: the
// stored link wins; otherwise a verified-email match creates the link. A
// concurrent first login can lose the insert race, which is fine because the
// winning link points at the same user.
func (s *Service) resolveSocialUser(ctx context.Context, tenantID string, identity idp.Identity) (*User, error) {
	links := s.store.SocialLinks(ctx)

	link, err := links.Find(ctx, tenantID, idp.ProviderGoogle, identity.SubjectID)
	if err == nil {
		return s.store.Users(ctx).Find(ctx, tenantID, link.UserID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, tenantID, identity.Email)
	if err != nil {
		return nil, err
	}
	create := links.Create(ctx, &SocialLink{
		UserID:    user.ID,
		TenantID:  tenantID,
		Provider:  idp.ProviderGoogle,
		SubjectID: identity.SubjectID,
		Email:     identity.Email,
	})
	if create != nil && !errors.Is(create, ErrConflict) {
		return nil, create
	}
	return user, nil
}

// establish issues the token pair, persists the refresh fingerprint, resets
// the failure state and records the successful attempt.
func (s *Service) establish(ctx context.Context, user *User, attempt *LoginAttempt) (*Session, error) {
	grants, err := s.ResolveGrants(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, err
	}

	access, _, err := s.codec.IssueAccess(user, grants.Permissions)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.codec.IssueRefresh(user)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &RefreshToken{
		UserID:      user.ID,
		TenantID:    user.TenantID,
		Fingerprint: Fingerprint(refresh),
		ExpiresAt:   refreshExp,
		DeviceInfo:  attempt.DeviceInfo,
		IPAddress:   attempt.IPAddress,
		UserAgent:   attempt.UserAgent,
		CreatedAt:   now,
	}
	if err := s.store.RefreshTokens(ctx).Save(ctx, rec); err != nil {
		return nil, err
	}

	if err := s.store.Users(ctx).ResetLoginState(ctx, user.ID, now); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "login_state_reset_failed",
			"error": err.Error(),
		})
	}

	attempt.Success = true
	attempt.FailureReason = ""
	s.appendAttempt(ctx, attempt)
	obs.CountLoginAttempt(attempt.Method, "success")

	lastLogin := &now
	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int(s.codec.AccessTTL().Seconds()),
		User: Profile{
			UserID:          user.ID,
			TenantID:        user.TenantID,
			Email:           user.Email,
			Name:            user.Name,
			EmpNo:           user.EmpNo,
			Department:      user.Department,
			RoleID:          user.RoleID,
			Position:        user.Position,
			ProfileImageURL: user.ProfileImageURL,
			LastLoginAt:     lastLogin,
		},
		Permissions: grants.Permissions,
		Menus:       grants.Menus,
	}, nil
}

// Refresh exchanges a valid, unrevoked refresh token for a new access token.
// The refresh token is not rotated. Permissions are re-resolved so role
// changes take effect at the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*AccessGrant, error) {
	claims, err := s.codec.Verify(refreshToken, TokenKindRefresh)
	if err != nil {
		obs.CountTokenRefresh("invalid")
		return nil, ErrInvalidRefreshToken
	}

	rec, err := s.store.RefreshTokens(ctx).FindActive(ctx, Fingerprint(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CountTokenRefresh("revoked")
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if rec.UserID != claims.UserID || rec.TenantID != claims.TenantID {
		obs.CountTokenRefresh("invalid")
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.store.Users(ctx).Find(ctx, claims.TenantID, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CountTokenRefresh("invalid")
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !user.Active() {
		obs.CountTokenRefresh("invalid")
		return nil, ErrInvalidRefreshToken
	}

	grants, err := s.ResolveGrants(ctx, user.TenantID, user.ID)
	if err != nil {
		return nil, err
	}
	access, _, err := s.codec.IssueAccess(user, grants.Permissions)
	if err != nil {
		return nil, err
	}

	obs.CountTokenRefresh("success")
	return &AccessGrant{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int(s.codec.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token. Unknown, expired or already
// revoked tokens succeed: the caller's goal state is "token unusable" and
// that is already true.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	return s.store.RefreshTokens(ctx).Revoke(ctx, Fingerprint(refreshToken))
}

const minPasswordLength = 8

// ChangePassword verifies the current password and replaces the stored hash.
// Existing sessions and refresh tokens are not revoked.
func (s *Service) ChangePassword(ctx context.Context, tenantID, userID, current, next string) error {
	user, err := s.store.Users(ctx).Find(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := VerifyCredential(user.Credential, current); err != nil {
		if errors.Is(err, ErrSocialLoginOnly) {
			return ErrSocialLoginOnly
		}
		return ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return ErrValidation
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.Users(ctx).UpdateCredential(ctx, user.ID, hash, s.now().UTC())
}

// AuthenticateToken verifies an access token and builds a Principal from its
// claims snapshot. No storage lookup happens here: access tokens are valid
// until expiry regardless of later account changes.
func (s *Service) AuthenticateToken(token string) (Principal, error) {
	claims, err := s.codec.Verify(token, TokenKindAccess)
	if err != nil {
		return Principal{}, err
	}
	user := &User{
		ID:       claims.UserID,
		TenantID: claims.TenantID,
		Email:    claims.Email,
		Name:     claims.Name,
		RoleID:   claims.RoleID,
	}
	return NewPrincipal(user, claims.Permissions), nil
}

// CurrentUser loads the fresh profile and grants for an authenticated user,
// bypassing the stale access token snapshot.
func (s *Service) CurrentUser(ctx context.Context, tenantID, userID string) (*Profile, Grants, error) {
	user, err := s.store.Users(ctx).Find(ctx, tenantID, userID)
	if err != nil {
		return nil, Grants{}, err
	}
	grants, err := s.ResolveGrants(ctx, tenantID, userID)
	if err != nil {
		return nil, Grants{}, err
	}
	return &Profile{
		UserID:          user.ID,
		TenantID:        user.TenantID,
		Email:           user.Email,
		Name:            user.Name,
		EmpNo:           user.EmpNo,
		Department:      user.Department,
		RoleID:          user.RoleID,
		Position:        user.Position,
		ProfileImageURL: user.ProfileImageURL,
		LastLoginAt:     user.LastLoginAt,
	}, grants, nil
}

// LockoutPolicy returns the active lockout configuration.
func (s *Service) LockoutPolicy() LockoutPolicy { return s.lockout }

func (s *Service) recordFailure(ctx context.Context, attempt *LoginAttempt, reason string) {
	attempt.Success = false
	attempt.FailureReason = reason
	s.appendAttempt(ctx, attempt)
	obs.CountLoginAttempt(attempt.Method, "failure")
}

// appendAttempt writes the audit row. Audit failure never fails the login
// path; it is logged and the request proceeds.
func (s *Service) appendAttempt(ctx context.Context, attempt *LoginAttempt) {
	rec := *attempt
	rec.CreatedAt = s.now().UTC()
	if err := s.store.LoginAttempts(ctx).Append(ctx, &rec); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "login_attempt_audit_failed",
			"error": err.Error(),
		})
	}
}
