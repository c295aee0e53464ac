// Package session composes credential verification, the brute-force guard,
// field encryption and the token service into the register, login, refresh,
// logout and profile flows. It is the only place where package errors are
// translated into apperr kinds.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"famsave.org/internal/account"
	"famsave.org/internal/apperr"
	"famsave.org/internal/auth"
	"famsave.org/internal/fieldcrypt"
	"famsave.org/internal/guard"
	"famsave.org/internal/obs"
)

// DefaultStoreTimeout bounds every persistence call made by a flow.
const DefaultStoreTimeout = 3 * time.Second

// Deps are the collaborators a Service needs. All are required.
type Deps struct {
	Accounts account.Store
	Cipher   *fieldcrypt.Cipher
	Hasher   *auth.Hasher
	Tokens   *auth.TokenService
	Guard    guard.Limiter
}

// Service runs the account security flows.
type Service struct {
	accounts account.Store
	cipher   *fieldcrypt.Cipher
	hasher   *auth.Hasher
	tokens   *auth.TokenService
	guard    guard.Limiter

	storeTimeout time.Duration
	lockPolicy   account.LockPolicy
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithStoreTimeout overrides DefaultStoreTimeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithLockPolicy sets the durable per-account lockout policy.
func WithLockPolicy(p account.LockPolicy) Option {
	return func(s *Service) {
		if p.Threshold > 0 && p.Duration > 0 {
			s.lockPolicy = p
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New wires a Service from deps.
func New(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("session: account store is required")
	case deps.Cipher == nil:
		return nil, errors.New("session: field cipher is required")
	case deps.Hasher == nil:
		return nil, errors.New("session: password hasher is required")
	case deps.Tokens == nil:
		return nil, errors.New("session: token service is required")
	case deps.Guard == nil:
		return nil, errors.New("session: guard is required")
	}
	s := &Service{
		accounts:     deps.Accounts,
		cipher:       deps.Cipher,
		hasher:       deps.Hasher,
		tokens:       deps.Tokens,
		guard:        deps.Guard,
		storeTimeout: DefaultStoreTimeout,
		lockPolicy:   account.DefaultLockPolicy(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Profile is the caller-visible view of an account. It never carries the
// password digest or the encrypted blob.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"fullName"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Result is returned by Register and Login. Budget is only set by Login and
// reflects the origin's attempt budget at admission.
type Result struct {
	Profile Profile
	Tokens  auth.TokenPair
	Budget  *apperr.Budget
}

func profileOf(acc *account.Account) Profile {
	return Profile{
		ID:        acc.ID,
		Email:     acc.Email,
		FullName:  acc.FullName,
		CreatedAt: acc.CreatedAt,
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// dependency logs the cause of an internal failure and returns the generic
// caller-facing error.
func dependency(op string, err error) error {
	fault(apperr.DependencyFailure, "dependency failure", zap.String("op", op), zap.Error(err))
	return apperr.Wrap(apperr.DependencyFailure, "internal error", err)
}

// tamper reports a failed authentication tag on an encrypted field.
func tamper(ctx context.Context, op string, kind fieldcrypt.Kind, err error) error {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("field_kind", string(kind)),
	}
	if id, ok := auth.AccountIDFromContext(ctx); ok {
		fields = append(fields, zap.String("account_id", id))
	}
	fault(apperr.TamperDetected, "encrypted field failed authentication", fields...)
	return apperr.Wrap(apperr.TamperDetected, "internal error", err)
}

// fault logs an internal failure of the given kind at error level. Kinds
// that are security events are flagged so alerting can select them.
func fault(kind apperr.Kind, msg string, fields ...zap.Field) {
	fields = append(fields, zap.String("kind", string(kind)))
	if kind.Security() {
		fields = append(fields, zap.Bool("security_event", true))
	}
	obs.Logger().Error(msg, fields...)
}

// tokenError maps token service failures. Expired stays distinct so callers
// know a refresh may help; every other rejection is merged.
func tokenError(op string, err error) error {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return apperr.Wrap(apperr.TokenExpired, "token expired", err)
	case errors.Is(err, auth.ErrTokenInvalid):
		return apperr.Wrap(apperr.TokenInvalid, "token invalid", err)
	default:
		return dependency(op, err)
	}
}
