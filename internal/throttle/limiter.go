// Package throttle enforces short-horizon abuse limits on the login and
// refresh endpoints with Redis counters. It is a transport-level guard in
// front of the durable account lockout, not a replacement for it.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLimited     = errors.New("throttle: limit exceeded")
	ErrUnavailable = errors.New("throttle: redis unavailable")
)

// Config holds limiter tuning parameters.
type Config struct {
	MaxLoginAttempts   int
	LoginCooldown      time.Duration
	MaxRefreshAttempts int
	RefreshCooldown    time.Duration
	PerIP              bool
}

// DefaultConfig bounds each email to 10 attempts per 5 minutes and each
// refresh token to 30 exchanges per minute, with per-IP counting enabled.
func DefaultConfig() Config {
	return Config{
		MaxLoginAttempts:   10,
		LoginCooldown:      5 * time.Minute,
		MaxRefreshAttempts: 30,
		RefreshCooldown:    time.Minute,
		PerIP:              true,
	}
}

// Limiter counts login and refresh attempts in fixed windows keyed by
// tenant-scoped identifier and, optionally, client IP.
type Limiter struct {
	redis redis.UniversalClient
	cfg   Config
}

// New creates a Limiter backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{redis: client, cfg: cfg}
}

// AllowLogin records a login attempt for the tenant-scoped email and client
// IP and reports whether it is within budget. Counting happens before the
// outcome is known so a flood of failures burns the budget.
func (l *Limiter) AllowLogin(ctx context.Context, tenantID, email, ip string) error {
	count, err := l.bump(ctx, loginKey(tenantID, email), l.cfg.LoginCooldown)
	if err != nil {
		return err
	}
	if count > int64(l.cfg.MaxLoginAttempts) {
		return ErrLimited
	}
	if l.cfg.PerIP && ip != "" {
		count, err = l.bump(ctx, loginIPKey(ip), l.cfg.LoginCooldown)
		if err != nil {
			return err
		}
		if count > int64(l.cfg.MaxLoginAttempts) {
			return ErrLimited
		}
	}
	return nil
}

// AllowLoginIP records a pre-verification attempt keyed by client IP only.
// Used for flows where the account is unknown until an external provider
// token has been verified, so no tenant-scoped counter can be charged yet.
func (l *Limiter) AllowLoginIP(ctx context.Context, ip string) error {
	if !l.cfg.PerIP || ip == "" {
		return nil
	}
	count, err := l.bump(ctx, loginIPKey(ip), l.cfg.LoginCooldown)
	if err != nil {
		return err
	}
	if count > int64(l.cfg.MaxLoginAttempts) {
		return ErrLimited
	}
	return nil
}

// ResetLoginIP clears the per-IP counter after a successful login.
func (l *Limiter) ResetLoginIP(ctx context.Context, ip string) error {
	if !l.cfg.PerIP || ip == "" {
		return nil
	}
	if err := l.redis.Del(ctx, loginIPKey(ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ResetLogin clears the counters after a successful login so legitimate
// users who mistyped a few times are not penalised into the next window.
func (l *Limiter) ResetLogin(ctx context.Context, tenantID, email, ip string) error {
	keys := []string{loginKey(tenantID, email)}
	if l.cfg.PerIP && ip != "" {
		keys = append(keys, loginIPKey(ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// AllowRefresh bounds how often a single refresh token fingerprint can be
// exchanged within the cooldown window.
func (l *Limiter) AllowRefresh(ctx context.Context, fingerprint string) error {
	count, err := l.bump(ctx, refreshKey(fingerprint), l.cfg.RefreshCooldown)
	if err != nil {
		return err
	}
	if count > int64(l.cfg.MaxRefreshAttempts) {
		return ErrLimited
	}
	return nil
}

// LoginAttempts returns the current window's counter for a tenant-scoped
// email. Missing keys read as zero.
func (l *Limiter) LoginAttempts(ctx context.Context, tenantID, email string) (int, error) {
	count, err := l.redis.Get(ctx, loginKey(tenantID, email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

func (l *Limiter) bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed-window semantics: the TTL starts at the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}

func loginKey(tenantID, email string) string {
	return fmt.Sprintf("throttle:login:%s:%s", tenantID, email)
}

func loginIPKey(ip string) string { return "throttle:login:ip:" + ip }

func refreshKey(fingerprint string) string { return "throttle:refresh:" + fingerprint }
