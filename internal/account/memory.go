package account

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemory implements Store in process memory. It backs local development
// and tests.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
	now     func() time.Time
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *InMemory) Create(ctx context.Context, in NewAccount) (*Account, error) {
	email := NormalizeEmail(in.Email)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, ErrAlreadyExists
	}
	now := s.now().UTC()
	acc := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     in.FullName,
		PhoneCipher:  in.PhoneCipher,
		PasswordHash: in.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[acc.ID] = acc
	s.byEmail[email] = acc.ID
	return clone(acc), nil
}

func (s *InMemory) FindByID(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(acc), nil
}

func (s *InMemory) FindByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *InMemory) RecordFailure(ctx context.Context, id string, p LockPolicy, now time.Time) (Failures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return Failures{}, ErrNotFound
	}
	f := ApplyFailure(acc.FailedAttempts, acc.LockedUntil, p, now)
	acc.FailedAttempts = f.Attempts
	acc.LockedUntil = f.LockedUntil
	acc.UpdatedAt = s.now().UTC()
	return f, nil
}

func (s *InMemory) ResetFailures(ctx context.Context, id string) error {
	return s.update(id, func(acc *Account) {
		acc.FailedAttempts = 0
		acc.LockedUntil = nil
	})
}

func (s *InMemory) RefreshTokenHash(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return "", ErrNotFound
	}
	return acc.RefreshTokenHash, nil
}

func (s *InMemory) SetRefreshTokenHash(ctx context.Context, id, hash string) error {
	return s.update(id, func(acc *Account) {
		acc.RefreshTokenHash = hash
	})
}

func (s *InMemory) SwapRefreshTokenHash(ctx context.Context, id, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if expected == "" || acc.RefreshTokenHash != expected {
		return false, nil
	}
	acc.RefreshTokenHash = next
	acc.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *InMemory) update(id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(acc)
	acc.UpdatedAt = s.now().UTC()
	return nil
}

func clone(acc *Account) *Account {
	out := *acc
	if acc.LockedUntil != nil {
		t := *acc.LockedUntil
		out.LockedUntil = &t
	}
	return &out
}
