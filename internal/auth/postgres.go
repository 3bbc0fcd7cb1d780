package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"staffgate.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Tenants(context context.Context) TenantStore { return &tenantStore{db: s.db} }
func (s *PGStore) Users(context context.Context) UserStore     { return &userStore{db: s.db} }
func (s *PGStore) SocialLinks(context context.Context) SocialLinkStore {
	return &socialLinkStore{db: s.db}
}
func (s *PGStore) RefreshTokens(context context.Context) RefreshTokenStore {
	return &refreshTokenStore{db: s.db}
}
func (s *PGStore) Permissions(context context.Context) PermissionStore {
	return &permissionStore{db: s.db}
}
func (s *PGStore) LoginAttempts(context context.Context) LoginAttemptStore {
	return &loginAttemptStore{db: s.db}
}

// Tenant store --------------------------------------------------------------
type tenantStore struct{ db *sql.DB }

func (s *tenantStore) Find(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, is_active, created_at, updated_at from companies where id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// User store ----------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, company_id, email, name, emp_no, department, role_id, position,
	profile_image_url, password_hash, status, failed_login_count, account_locked_until,
	last_login_at, password_changed_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                 User
		empNo, dept       sql.NullString
		roleID, position  sql.NullString
		profileImage      sql.NullString
		passwordHash      sql.NullString
		lockedUntil       sql.NullTime
		lastLoginAt       sql.NullTime
		passwordChangedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &empNo, &dept, &roleID, &position,
		&profileImage, &passwordHash, &u.Status, &u.FailedLoginCount, &lockedUntil,
		&lastLoginAt, &passwordChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.EmpNo = empNo.String
	u.Department = dept.String
	u.RoleID = roleID.String
	u.Position = position.String
	u.ProfileImageURL = profileImage.String
	u.Credential = ParseStoredCredential(passwordHash.String)
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	if passwordChangedAt.Valid {
		t := passwordChangedAt.Time
		u.PasswordChangedAt = &t
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, tenantID, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from user_accounts where company_id=$1 and id=$2`,
		tenantID, userID)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from user_accounts where company_id=$1 and lower(email)=lower($2)`,
		tenantID, email)
	return scanUser(row)
}

// RecordFailure bumps the counter and stamps the lock in one statement so
// concurrent failures cannot miss the threshold.
func (s *userStore) RecordFailure(ctx context.Context, userID string, threshold int, lockedUntil time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		update user_accounts
		set failed_login_count = failed_login_count + 1,
		    account_locked_until = case
		        when failed_login_count + 1 >= $2 then $3
		        else account_locked_until
		    end,
		    updated_at = now()
		where id = $1
		returning failed_login_count`,
		userID, threshold, lockedUntil)
	var count int
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

func (s *userStore) ResetLoginState(ctx context.Context, userID string, loginAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update user_accounts
		set failed_login_count = 0,
		    account_locked_until = null,
		    last_login_at = $2,
		    updated_at = now()
		where id = $1`,
		userID, loginAt)
	return err
}

func (s *userStore) UpdateCredential(ctx context.Context, userID, passwordHash string, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update user_accounts
		set password_hash = $2,
		    password_changed_at = $3,
		    updated_at = now()
		where id = $1`,
		userID, passwordHash, changedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Social link store ---------------------------------------------------------
type socialLinkStore struct{ db *sql.DB }

func (s *socialLinkStore) Find(ctx context.Context, tenantID, provider, subjectID string) (*SocialLink, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, company_id, provider, provider_user_id, email, created_at
		from user_social_auth
		where company_id=$1 and provider=$2 and provider_user_id=$3`,
		tenantID, provider, subjectID)
	var link SocialLink
	var email sql.NullString
	if err := row.Scan(&link.ID, &link.UserID, &link.TenantID, &link.Provider, &link.SubjectID, &email, &link.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	link.Email = email.String
	return &link, nil
}

func (s *socialLinkStore) Create(ctx context.Context, link *SocialLink) error {
	if link.ID == "" {
		link.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_social_auth(id, user_id, company_id, provider, provider_user_id, email)
		values($1,$2,$3,$4,$5,$6)`,
		link.ID, link.UserID, link.TenantID, link.Provider, link.SubjectID, nullIfEmpty(link.Email))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

// Refresh token store -------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Save(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, company_id, token_fingerprint, expires_at,
			device_info, ip_address, user_agent)
		values($1,$2,$3,$4,$5,$6,$7,$8)`,
		tok.ID, tok.UserID, tok.TenantID, tok.Fingerprint, tok.ExpiresAt,
		nullIfEmpty(tok.DeviceInfo), nullIfEmpty(tok.IPAddress), nullIfEmpty(tok.UserAgent))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func (s *refreshTokenStore) FindActive(ctx context.Context, fingerprint string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, company_id, token_fingerprint, expires_at,
			device_info, ip_address, user_agent, is_revoked, revoked_at, created_at
		from refresh_tokens
		where token_fingerprint=$1 and is_revoked=false and expires_at > now()`,
		fingerprint)
	var (
		tok               RefreshToken
		device, ip, agent sql.NullString
		revokedAt         sql.NullTime
	)
	err := row.Scan(&tok.ID, &tok.UserID, &tok.TenantID, &tok.Fingerprint, &tok.ExpiresAt,
		&device, &ip, &agent, &tok.Revoked, &revokedAt, &tok.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	tok.DeviceInfo = device.String
	tok.IPAddress = ip.String
	tok.UserAgent = agent.String
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

func (s *refreshTokenStore) Revoke(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set is_revoked = true, revoked_at = now()
		where token_fingerprint=$1 and is_revoked=false`,
		fingerprint)
	return err
}

// Permission store ----------------------------------------------------------
type permissionStore struct{ db *sql.DB }

func (s *permissionStore) PermissionsForUser(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.code
		from user_accounts u
		join rbac_roles r on r.id = u.role_id and r.company_id = u.company_id and r.is_active
		join rbac_role_permissions rp on rp.role_id = r.id and rp.is_active
		join rbac_permissions p on p.id = rp.permission_id and p.is_active
		where u.company_id=$1 and u.id=$2
		order by p.code`,
		tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *permissionStore) MenusForUser(ctx context.Context, tenantID, userID string) ([]MenuDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.menu_code, p.menu_label, p.menu_path, p.menu_sort
		from user_accounts u
		join rbac_roles r on r.id = u.role_id and r.company_id = u.company_id and r.is_active
		join rbac_role_permissions rp on rp.role_id = r.id and rp.is_active
		join rbac_permissions p on p.id = rp.permission_id and p.is_active
		where u.company_id=$1 and u.id=$2 and p.menu_code is not null
		order by p.menu_sort, p.menu_code`,
		tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var menus []MenuDescriptor
	for rows.Next() {
		var (
			m           MenuDescriptor
			label, path sql.NullString
		)
		if err := rows.Scan(&m.Code, &label, &path, &m.SortOrder); err != nil {
			return nil, err
		}
		m.Label = label.String
		m.Path = path.String
		menus = append(menus, m)
	}
	return menus, rows.Err()
}

// Login attempt store -------------------------------------------------------
type loginAttemptStore struct{ db *sql.DB }

func (s *loginAttemptStore) Append(ctx context.Context, attempt *LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into login_attempts(id, user_id, company_id, email, method, success,
			failure_reason, ip_address, user_agent, device_info, created_at)
		values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		attempt.ID, nullIfEmpty(attempt.UserID), attempt.TenantID, attempt.Email,
		attempt.Method, attempt.Success, nullIfEmpty(attempt.FailureReason),
		nullIfEmpty(attempt.IPAddress), nullIfEmpty(attempt.UserAgent),
		nullIfEmpty(attempt.DeviceInfo), attempt.CreatedAt)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
