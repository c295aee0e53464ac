package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"famsave.org/internal/account"
)

var accountCols = []string{"id", "email", "full_name", "phone_cipher", "password_hash",
	"failed_attempts", "locked_until", "refresh_token_hash", "created_at", "updated_at"}

const testID = "5f0c6d7e-8a4b-4c43-9a52-0f6f3b1f2e11"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func TestCreateAccount(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into accounts").
		WithArgs(sqlmock.AnyArg(), "a@b.com", "Amina Otieno", "blob", "digest").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	acc, err := s.Create(context.Background(), account.NewAccount{
		Email:        "A@b.com",
		FullName:     "Amina Otieno",
		PhoneCipher:  "blob",
		PasswordHash: "digest",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if acc.Email != "a@b.com" || acc.ID == "" || !acc.CreatedAt.Equal(now) {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "accounts_email_lower_idx"})

	_, err := s.Create(context.Background(), account.NewAccount{Email: "a@b.com", PasswordHash: "digest"})
	if !errors.Is(err, account.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestFindByEmail(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select .* from accounts where lower\\(email\\) = \\$1").
		WithArgs("a@b.com").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(testID, "a@b.com", "Amina Otieno", nil, "digest", 2, nil, nil, now, now))

	acc, err := s.FindByEmail(context.Background(), " A@B.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if acc.ID != testID || acc.FailedAttempts != 2 || acc.PhoneCipher != "" || acc.LockedUntil != nil {
		t.Fatalf("unexpected account: %+v", acc)
	}

	mock.ExpectQuery("select .* from accounts where lower\\(email\\)").
		WithArgs("nobody@b.com").
		WillReturnRows(sqlmock.NewRows(accountCols))
	if _, err := s.FindByEmail(context.Background(), "nobody@b.com"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByIDRejectsNonUUID(t *testing.T) {
	s, _ := newMockStore(t)
	if _, err := s.FindByID(context.Background(), "not-a-uuid"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordFailureLocksInTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	policy := account.DefaultLockPolicy()

	mock.ExpectBegin()
	mock.ExpectQuery("select failed_attempts, locked_until from accounts where id = \\$1 for update").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(4, nil))
	mock.ExpectExec("update accounts").
		WithArgs(testID, 5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	f, err := s.RecordFailure(context.Background(), testID, policy, now)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if f.Attempts != 5 || f.LockedUntil == nil || !f.LockedUntil.Equal(now.Add(policy.Duration)) {
		t.Fatalf("expected lock at fifth failure, got %+v", f)
	}
}

func TestRecordFailureMissingAccount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select failed_attempts").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}))
	mock.ExpectRollback()

	_, err := s.RecordFailure(context.Background(), testID, account.DefaultLockPolicy(), time.Now())
	if !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetFailures(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update accounts\\s+set failed_attempts = 0").
		WithArgs(testID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.ResetFailures(context.Background(), testID); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}

	mock.ExpectExec("update accounts").
		WithArgs(testID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.ResetFailures(context.Background(), testID); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSwapRefreshTokenHash(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("update accounts set refresh_token_hash = \\$3").
		WithArgs(testID, "old", "new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.SwapRefreshTokenHash(ctx, testID, "old", "new")
	if err != nil || !ok {
		t.Fatalf("expected swap, got %v, %v", ok, err)
	}

	mock.ExpectExec("update accounts set refresh_token_hash = \\$3").
		WithArgs(testID, "old", "newer").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err = s.SwapRefreshTokenHash(ctx, testID, "old", "newer")
	if err != nil || ok {
		t.Fatalf("expected lost swap, got %v, %v", ok, err)
	}

	mock.ExpectExec("update accounts set refresh_token_hash = \\$3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	if _, err := s.SwapRefreshTokenHash(ctx, testID, "old", "x"); !errors.Is(err, account.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ok, err = s.SwapRefreshTokenHash(ctx, testID, "", "x")
	if err != nil || ok {
		t.Fatal("empty expected hash must not reach the database")
	}
}

func TestRefreshTokenHashRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("update accounts set refresh_token_hash = \\$2").
		WithArgs(testID, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SetRefreshTokenHash(ctx, testID, ""); err != nil {
		t.Fatalf("SetRefreshTokenHash: %v", err)
	}

	mock.ExpectQuery("select refresh_token_hash from accounts").
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"refresh_token_hash"}).AddRow(nil))
	hash, err := s.RefreshTokenHash(ctx, testID)
	if err != nil || hash != "" {
		t.Fatalf("RefreshTokenHash=%q, %v", hash, err)
	}
}
