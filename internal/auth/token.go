package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenKind discriminates the two token families the codec issues.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Claims is the signed payload carried by both token kinds. Access tokens
// additionally carry role, permissions, email and display name; all values
// are a snapshot at issuance time and are not refreshed until a new access
// token is issued.
type Claims struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	RoleID      string   `json:"role_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Kind        string   `json:"kind"`
	jwt.RegisteredClaims
}

// Codec creates and validates signed, time-bounded tokens. Configuration is
// fixed at construction; there is no ambient state.
type Codec struct {
	key        []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer sets the iss claim stamped on issued tokens.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) { c.issuer = strings.TrimSpace(issuer) }
}

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec signing with HS256 over the given key.
func NewCodec(signingKey string, opts ...CodecOption) (*Codec, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("auth: signing key is required")
	}
	c := &Codec{
		key:        []byte(signingKey),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs an access token snapshotting the user's identity and
// resolved permissions.
func (c *Codec) IssueAccess(user *User, permissions []string) (string, time.Time, error) {
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := Claims{
		TenantID:    user.TenantID,
		UserID:      user.ID,
		RoleID:      user.RoleID,
		Permissions: permissions,
		Email:       user.Email,
		Name:        user.Name,
		Kind:        string(TokenKindAccess),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return c.sign(claims, exp)
}

// IssueRefresh signs a refresh token carrying only the identity claims.
func (c *Codec) IssueRefresh(user *User) (string, time.Time, error) {
	now := c.now().UTC()
	exp := now.Add(c.refreshTTL)
	claims := Claims{
		TenantID: user.TenantID,
		UserID:   user.ID,
		Kind:     string(TokenKindRefresh),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	return c.sign(claims, exp)
}

func (c *Codec) sign(claims Claims, exp time.Time) (string, time.Time, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, expiry, kind, and required claims. All failures
// collapse to the opaque ErrInvalidToken class; the wrapped sub-reason is
// retained for internal logging only.
func (c *Codec) Verify(token string, expected TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenSignature
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != string(expected) {
		return nil, ErrTokenKindMismatch
	}
	if claims.Subject == "" || claims.TenantID == "" || claims.UserID == "" {
		return nil, ErrTokenMissingClaim
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return nil, ErrTokenSignature
	}
	return claims, nil
}

// Fingerprint returns the deterministic one-way hash of a raw token, used
// as the storage and lookup key. The raw token itself is never persisted.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ExpiryOf extracts the embedded expiry without verifying the signature.
// It exists only to compute storage TTLs and must never be used for an
// authorization decision.
func ExpiryOf(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
