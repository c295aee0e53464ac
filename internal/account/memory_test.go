package account

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func createTestAccount(t *testing.T, s *InMemory, email string) *Account {
	t.Helper()
	acc, err := s.Create(context.Background(), NewAccount{
		Email:        email,
		FullName:     "Amina Otieno",
		PhoneCipher:  "blob",
		PasswordHash: "digest",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return acc
}

func TestCreateAndFind(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc := createTestAccount(t, s, " A@B.com ")
	if acc.Email != "a@b.com" {
		t.Fatalf("email not normalized: %q", acc.Email)
	}
	if acc.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.FindByEmail(ctx, "a@B.COM")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if got.ID != acc.ID {
		t.Fatalf("unexpected account %s", got.ID)
	}
	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.FindByEmail(ctx, "nobody@b.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	s := NewInMemory()
	createTestAccount(t, s, "a@b.com")
	_, err := s.Create(context.Background(), NewAccount{Email: "A@b.com", PasswordHash: "x"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFindReturnsCopy(t *testing.T) {
	s := NewInMemory()
	acc := createTestAccount(t, s, "a@b.com")
	acc.FullName = "changed"
	got, _ := s.FindByID(context.Background(), acc.ID)
	if got.FullName == "changed" {
		t.Fatal("store leaked internal pointer")
	}
}

func TestRecordFailureLocksAtThreshold(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@b.com")
	policy := DefaultLockPolicy()
	now := time.Now()

	for i := 1; i < policy.Threshold; i++ {
		f, err := s.RecordFailure(ctx, acc.ID, policy, now)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if f.Attempts != i || f.LockedUntil != nil {
			t.Fatalf("attempt %d: unexpected state %+v", i, f)
		}
	}
	f, err := s.RecordFailure(ctx, acc.ID, policy, now)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if f.LockedUntil == nil || !f.LockedUntil.Equal(now.Add(policy.Duration).UTC()) {
		t.Fatalf("expected lock at threshold, got %+v", f)
	}

	stored, _ := s.FindByID(ctx, acc.ID)
	if left, locked := stored.LockRemaining(now.Add(time.Minute)); !locked || left != policy.Duration-time.Minute {
		t.Fatalf("LockRemaining=%v,%v", left, locked)
	}

	// after the lock elapses the next failure starts over
	f, err = s.RecordFailure(ctx, acc.ID, policy, now.Add(policy.Duration))
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if f.Attempts != 1 || f.LockedUntil != nil {
		t.Fatalf("expected fresh count after lock, got %+v", f)
	}

	if err := s.ResetFailures(ctx, acc.ID); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}
	stored, _ = s.FindByID(ctx, acc.ID)
	if stored.FailedAttempts != 0 || stored.LockedUntil != nil {
		t.Fatalf("counters not reset: %+v", stored)
	}
}

func TestSwapRefreshTokenHashIsExclusive(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	acc := createTestAccount(t, s, "a@b.com")
	if err := s.SetRefreshTokenHash(ctx, acc.ID, "h0"); err != nil {
		t.Fatalf("SetRefreshTokenHash: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SwapRefreshTokenHash(ctx, acc.ID, "h0", "next")
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one swap, got %d", wins.Load())
	}

	if ok, _ := s.SwapRefreshTokenHash(ctx, acc.ID, "", "x"); ok {
		t.Fatal("empty expected hash must never match")
	}
	if err := s.SetRefreshTokenHash(ctx, acc.ID, ""); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if h, _ := s.RefreshTokenHash(ctx, acc.ID); h != "" {
		t.Fatalf("expected revoked hash, got %q", h)
	}
	if _, err := s.SwapRefreshTokenHash(ctx, "missing", "a", "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
