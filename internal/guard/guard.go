// Package guard tracks failed authentication attempts per key (usually the
// client network origin) and enforces a temporary lockout once a key exceeds
// its attempt budget inside a window.
//
// A key moves CLEAR -> TRACKING -> LOCKED and back to CLEAR when its lock
// elapses or when the caller reports a successful authentication via Reset.
package guard

import (
	"context"
	"errors"
	"time"
)

// Config holds the lockout parameters.
type Config struct {
	// Window is how long attempts accumulate before the counter starts over.
	Window time.Duration
	// Threshold is the number of attempts allowed per window. The attempt
	// after the last allowed one locks the key.
	Threshold int
	// Lockout is how long a locked key is rejected.
	Lockout time.Duration
	// SweepInterval is how often expired records are purged. Zero disables
	// the background sweep.
	SweepInterval time.Duration
	// Shards is the number of independently locked partitions.
	Shards int
}

// DefaultConfig returns a 15 minute window, 5 attempts and a 15 minute lockout.
func DefaultConfig() Config {
	return Config{
		Window:        15 * time.Minute,
		Threshold:     5,
		Lockout:       15 * time.Minute,
		SweepInterval: 10 * time.Minute,
		Shards:        32,
	}
}

func (c Config) validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("guard: window must be positive")
	case c.Threshold <= 0:
		return errors.New("guard: threshold must be positive")
	case c.Lockout <= 0:
		return errors.New("guard: lockout must be positive")
	case c.SweepInterval < 0:
		return errors.New("guard: sweep interval must not be negative")
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Locked is set on the attempt that caused the lock.
	Locked        bool
	Attempts      int
	Remaining     int
	WindowResetAt time.Time
	// RetryAfter is set when Allowed is false.
	RetryAfter time.Duration
}

// Limiter is implemented by the in-memory Guard and by RedisGuard.
type Limiter interface {
	// Admit counts one attempt for key and reports whether it may proceed.
	Admit(ctx context.Context, key string) (Decision, error)
	// Reset clears the record for key after a successful authentication.
	Reset(ctx context.Context, key string) error
}

type record struct {
	attempts      int
	windowResetAt time.Time
	lockedUntil   time.Time
}

func (r *record) lockedAt(now time.Time) bool {
	return !r.lockedUntil.IsZero() && now.Before(r.lockedUntil)
}

// stale reports whether the record carries no information any more: it is
// not locked and either its window has passed or its lock has elapsed.
func (r *record) stale(now time.Time) bool {
	if r.lockedAt(now) {
		return false
	}
	return !r.lockedUntil.IsZero() || !now.Before(r.windowResetAt)
}

// admit applies one attempt to r at now. r must be non-nil and exclusively
// held by the caller.
func admit(r *record, cfg Config, now time.Time) Decision {
	if r.lockedAt(now) {
		return Decision{
			Attempts:      r.attempts,
			WindowResetAt: r.windowResetAt,
			RetryAfter:    r.lockedUntil.Sub(now),
		}
	}
	if r.windowResetAt.IsZero() || r.stale(now) {
		*r = record{windowResetAt: now.Add(cfg.Window)}
	}
	r.attempts++
	if r.attempts > cfg.Threshold {
		r.lockedUntil = now.Add(cfg.Lockout)
		return Decision{
			Locked:        true,
			Attempts:      r.attempts,
			WindowResetAt: r.windowResetAt,
			RetryAfter:    cfg.Lockout,
		}
	}
	return Decision{
		Allowed:       true,
		Attempts:      r.attempts,
		Remaining:     cfg.Threshold - r.attempts,
		WindowResetAt: r.windowResetAt,
	}
}

func outcome(d Decision) string {
	switch {
	case d.Allowed:
		return "allowed"
	case d.Locked:
		return "locked"
	default:
		return "rejected"
	}
}
