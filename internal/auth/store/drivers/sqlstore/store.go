// Package sqlstore implements store.Store over database/sql. The sqlite and
// postgres drivers supply a Dialect and their own migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/store"
)

// Dialect captures what differs between the supported databases.
type Dialect interface {
	Name() string

	// Rebind rewrites ? placeholders into the driver's native form.
	Rebind(query string) string

	// Time encodes a timestamp for storage. Values scanned back are decoded
	// by dbTime, which accepts every encoding a Dialect produces.
	Time(t time.Time) any

	IsUniqueViolation(err error) bool

	Migrate(db *sql.DB) error
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
	q  *queries
	d  Dialect
}

// New wraps an open database handle.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, q: &queries{db: db, d: d}, d: d}
}

// DB exposes the underlying handle for driver-level setup.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ApplyMigrations applies any pending migrations embedded in the driver.
func (s *Store) ApplyMigrations() error {
	return s.d.Migrate(s.db)
}

// Tx starts a read/write transaction and returns a Tx-scoped Store.
func (s *Store) Tx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txStore{tx: tx, q: &queries{db: tx, d: s.d}}, nil
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	// Ensure rollback is called if we panic or return early with error
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Users() store.Users                 { return &usersRepo{q: s.q} }
func (s *Store) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{q: s.q} }
func (s *Store) EmailVerificationTokens() store.EmailVerificationTokens {
	return &emailVerificationRepo{q: s.q}
}
func (s *Store) PasswordResetTokens() store.PasswordResetTokens { return &passwordResetRepo{q: s.q} }
func (s *Store) OAuthAccounts() store.OAuthAccounts             { return &oauthAccountsRepo{q: s.q} }
func (s *Store) AuditLogs() store.AuditLogs                     { return &auditLogsRepo{q: s.q} }

type txStore struct {
	tx *sql.Tx
	q  *queries
}

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }

func (t *txStore) Close() error { return nil } // outer DB stays open

// Ping is a no-op; the connection is held by the transaction.
func (t *txStore) Ping(context.Context) error { return nil }

func (t *txStore) Tx(context.Context) (store.Tx, error) {
	// Nested tx not supported
	return nil, sql.ErrTxDone
}

func (t *txStore) WithTx(context.Context, func(tx store.Tx) error) error {
	return sql.ErrTxDone
}

func (t *txStore) ApplyMigrations() error { return nil } // migrations run before any tx

func (t *txStore) Users() store.Users                 { return &usersRepo{q: t.q} }
func (t *txStore) RefreshTokens() store.RefreshTokens { return &refreshTokensRepo{q: t.q} }
func (t *txStore) EmailVerificationTokens() store.EmailVerificationTokens {
	return &emailVerificationRepo{q: t.q}
}
func (t *txStore) PasswordResetTokens() store.PasswordResetTokens { return &passwordResetRepo{q: t.q} }
func (t *txStore) OAuthAccounts() store.OAuthAccounts             { return &oauthAccountsRepo{q: t.q} }
func (t *txStore) AuditLogs() store.AuditLogs                     { return &auditLogsRepo{q: t.q} }

// queries is the hand-written counterpart of a generated query set: every
// repo runs through it so placeholders and errors are handled in one place.
type queries struct {
	db DBTX
	d  Dialect
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.d.Rebind(query), args...)
	if err != nil {
		return 0, q.mapErr(err)
	}
	return res.RowsAffected()
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.db.QueryContext(ctx, q.d.Rebind(query), args...)
	if err != nil {
		return nil, q.mapErr(err)
	}
	return rows, nil
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.d.Rebind(query), args...)
}

func (q *queries) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case q.d.IsUniqueViolation(err):
		return store.ErrAlreadyExists
	default:
		return err
	}
}

func (q *queries) time(t time.Time) any { return q.d.Time(t.UTC()) }

func (q *queries) nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return q.time(*t)
}

// requireRow turns a zero-row update into ErrNotFound.
func requireRow(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
