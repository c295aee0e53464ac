// Package migrate applies ordered SQL migrations to PostgreSQL. Migrations
// are *.up.sql files, optionally paired with *.down.sql, applied in name
// order and recorded in a bookkeeping table.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"famsave.org/internal/obs"
)

const (
	defaultTable = "schema_migrations"
	// lockKey serialises concurrent migrators through pg_advisory_lock.
	lockKey      = 0x66616d73
	upSuffix     = ".up.sql"
	downSuffix   = ".down.sql"
)

// ErrNothingToRollback is returned by Down when no migration is applied.
var ErrNothingToRollback = errors.New("migrate: no migrations applied")

// Migration is one entry reported by Status.
type Migration struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Manager executes migrations from an fs.FS.
type Manager struct {
	db     *sql.DB
	files  fs.FS
	table  string
	logger func() *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = func() *zap.Logger { return l }
		}
	}
}

// NewManager constructs a Manager reading migrations from the root of files.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		files:  files,
		table:  defaultTable,
		logger: obs.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names. Each migration
// and its bookkeeping row commit in one transaction.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		names, err := m.list(upSuffix)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, ok := done[name]; ok {
				continue
			}
			if err := m.run(ctx, conn, name, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, m.table),
					name, time.Now().UTC())
				return err
			}); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			m.logger().Info("migration applied", zap.String("name", name))
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		if len(done) == 0 {
			return ErrNothingToRollback
		}
		for name := range done {
			if name > last {
				last = name
			}
		}
		down := strings.TrimSuffix(last, upSuffix) + downSuffix
		if _, err := fs.Stat(m.files, down); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.run(ctx, conn, down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
			return err
		}); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		m.logger().Info("migration rolled back", zap.String("name", last))
		return nil
	})
	return last, err
}

// Status lists every known migration in order, with its applied time.
func (m *Manager) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := m.locked(ctx, func(conn *sql.Conn) error {
		done, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		names, err := m.list(upSuffix)
		if err != nil {
			return err
		}
		for _, name := range names {
			at, ok := done[name]
			out = append(out, Migration{Name: name, Applied: ok, AppliedAt: at})
		}
		return nil
	})
	return out, err
}

// locked runs fn on a dedicated connection holding the advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
	}()

	ddl := fmt.Sprintf(`create table if not exists %s (
		name text primary key,
		applied_at timestamptz not null default now()
	)`, m.table)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return fn(conn)
}

func (m *Manager) applied(ctx context.Context, conn *sql.Conn) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

// run executes the statements of file and then record in one transaction.
func (m *Manager) run(ctx context.Context, conn *sql.Conn, file string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.files, file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) list(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// drops blank statements and -- comment lines.
func splitStatements(src string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(src, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			switch {
			case r == '\'':
				inString = !inString
				current.WriteRune(r)
			case r == ';' && !inString:
				flush()
			default:
				current.WriteRune(r)
			}
		}
		current.WriteByte('\n')
	}
	flush()
	return stmts
}
