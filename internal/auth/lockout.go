package auth

import "time"

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 30 * time.Minute
)

// LockoutPolicy decides when repeated login failures lock an account and
// for how long.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

// DefaultLockoutPolicy mirrors the production defaults: five failures lock
// the account for thirty minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: defaultLockoutThreshold, Window: defaultLockoutWindow}
}

// LockUntil returns the lock expiry for the given post-increment failure
// count, or the zero time when the count is still below the threshold.
func (p LockoutPolicy) LockUntil(count int, now time.Time) time.Time {
	if count < p.Threshold {
		return time.Time{}
	}
	return now.Add(p.Window)
}

// Locked reports whether the user is inside an active lockout window.
func (u *User) Locked(now time.Time) bool {
	return u != nil && u.LockedUntil != nil && u.LockedUntil.After(now)
}
