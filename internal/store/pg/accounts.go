package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"famsave.org/internal/account"
)

const uniqueViolation = "23505"

var _ account.Store = (*Store)(nil)

const accountColumns = `id, email, full_name, phone_cipher, password_hash,
	failed_attempts, locked_until, refresh_token_hash, created_at, updated_at`

func (s *Store) Create(ctx context.Context, in account.NewAccount) (*account.Account, error) {
	acc := &account.Account{
		ID:           uuid.NewString(),
		Email:        account.NormalizeEmail(in.Email),
		FullName:     in.FullName,
		PhoneCipher:  in.PhoneCipher,
		PasswordHash: in.PasswordHash,
	}
	err := s.db.QueryRowContext(ctx, `
		insert into accounts (id, email, full_name, phone_cipher, password_hash)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, acc.ID, acc.Email, acc.FullName, nullString(acc.PhoneCipher), acc.PasswordHash,
	).Scan(&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, account.ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return acc, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*account.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, account.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*account.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where lower(email) = $1`,
		account.NormalizeEmail(email))
	return scanAccount(row)
}

func (s *Store) RecordFailure(ctx context.Context, id string, p account.LockPolicy, now time.Time) (account.Failures, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return account.Failures{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attempts int
		locked   sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`select failed_attempts, locked_until from accounts where id = $1 for update`, id,
	).Scan(&attempts, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Failures{}, account.ErrNotFound
	}
	if err != nil {
		return account.Failures{}, fmt.Errorf("lock account row: %w", err)
	}

	f := account.ApplyFailure(attempts, timePtr(locked), p, now)
	if _, err := tx.ExecContext(ctx, `
		update accounts
		set failed_attempts = $2, locked_until = $3, updated_at = now()
		where id = $1
	`, id, f.Attempts, nullTime(f.LockedUntil)); err != nil {
		return account.Failures{}, fmt.Errorf("update failures: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return account.Failures{}, err
	}
	return f, nil
}

func (s *Store) ResetFailures(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set failed_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, id)
	return expectOneRow(res, err)
}

func (s *Store) RefreshTokenHash(ctx context.Context, id string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `select refresh_token_hash from accounts where id = $1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", account.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return hash.String, nil
}

func (s *Store) SetRefreshTokenHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set refresh_token_hash = $2, updated_at = now() where id = $1
	`, id, nullString(hash))
	return expectOneRow(res, err)
}

// SwapRefreshTokenHash relies on the row lock taken by UPDATE: of two
// concurrent swaps from the same expected hash, the second re-evaluates the
// predicate after the first commits and matches nothing.
func (s *Store) SwapRefreshTokenHash(ctx context.Context, id, expected, next string) (bool, error) {
	if expected == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		update accounts set refresh_token_hash = $3, updated_at = now()
		where id = $1 and refresh_token_hash = $2
	`, id, expected, nullString(next))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, account.ErrNotFound
	}
	return false, nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from accounts where id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account existence: %w", err)
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*account.Account, error) {
	var (
		acc     account.Account
		phone   sql.NullString
		locked  sql.NullTime
		refresh sql.NullString
	)
	err := row.Scan(&acc.ID, &acc.Email, &acc.FullName, &phone, &acc.PasswordHash,
		&acc.FailedAttempts, &locked, &refresh, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acc.PhoneCipher = phone.String
	acc.LockedUntil = timePtr(locked)
	acc.RefreshTokenHash = refresh.String
	return &acc, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return account.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
