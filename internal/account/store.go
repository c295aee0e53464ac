package account

import (
	"context"
	"time"
)

// Store persists accounts and their security state. Implementations return
// ErrNotFound for unknown ids or emails and ErrAlreadyExists when the email
// uniqueness constraint fires.
type Store interface {
	Create(ctx context.Context, in NewAccount) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// RecordFailure atomically increments the failure counter and applies p.
	RecordFailure(ctx context.Context, id string, p LockPolicy, now time.Time) (Failures, error)
	// ResetFailures zeroes the failure counter and clears any lock.
	ResetFailures(ctx context.Context, id string) error

	// RefreshTokenHash returns the hash of the active refresh token, or ""
	// when none is active.
	RefreshTokenHash(ctx context.Context, id string) (string, error)
	// SetRefreshTokenHash stores hash unconditionally. An empty hash revokes.
	SetRefreshTokenHash(ctx context.Context, id, hash string) error
	// SwapRefreshTokenHash replaces expected with next in one atomic step and
	// reports whether expected was still the active hash.
	SwapRefreshTokenHash(ctx context.Context, id, expected, next string) (bool, error)
}
