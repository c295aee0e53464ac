package account

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("account: not found")
	ErrAlreadyExists = errors.New("account: already exists")
)

// Account is a registered family-savings member. PhoneCipher holds the
// encrypted contact number and PasswordHash a one-way digest; neither is ever
// stored in plaintext.
type Account struct {
	ID           string
	Email        string
	FullName     string
	PhoneCipher  string
	PasswordHash string

	FailedAttempts   int
	LockedUntil      *time.Time
	RefreshTokenHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LockRemaining reports how long the durable lockout still applies at now.
func (a *Account) LockRemaining(now time.Time) (time.Duration, bool) {
	if a.LockedUntil == nil || !now.Before(*a.LockedUntil) {
		return 0, false
	}
	return a.LockedUntil.Sub(now), true
}

// NewAccount carries the fields persisted at registration.
type NewAccount struct {
	Email        string
	FullName     string
	PhoneCipher  string
	PasswordHash string
}

// LockPolicy controls the durable per-account lockout.
type LockPolicy struct {
	// Threshold is the number of consecutive failures that lock the account.
	Threshold int
	// Duration is how long the lock lasts.
	Duration time.Duration
}

// DefaultLockPolicy locks an account for 15 minutes after 5 failures.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{Threshold: 5, Duration: 15 * time.Minute}
}

// Failures is the security state returned after recording a failure.
type Failures struct {
	Attempts    int
	LockedUntil *time.Time
}

// ApplyFailure advances the counters for one failed login at now. A lock
// that has already elapsed starts the count over.
func ApplyFailure(attempts int, lockedUntil *time.Time, p LockPolicy, now time.Time) Failures {
	if lockedUntil != nil && !now.Before(*lockedUntil) {
		attempts = 0
		lockedUntil = nil
	}
	attempts++
	if p.Threshold > 0 && attempts >= p.Threshold && lockedUntil == nil {
		until := now.Add(p.Duration).UTC()
		lockedUntil = &until
	}
	return Failures{Attempts: attempts, LockedUntil: lockedUntil}
}

// NormalizeEmail lower-cases and trims an address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
