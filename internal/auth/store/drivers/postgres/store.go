// Package postgres is the PostgreSQL driver, backed by pgx through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/store/drivers/sqlstore"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

// NewStore connects to dsn (a postgres:// URL or keyword/value string).
func NewStore(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sqlstore.New(db, Dialect{dsn: dsn}), nil
}

// Dialect stores timestamps as TIMESTAMPTZ.
type Dialect struct {
	dsn string
}

func (Dialect) Name() string               { return "postgres" }
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }
func (Dialect) Time(t time.Time) any       { return t }

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (d Dialect) Migrate(*sql.DB) error {
	return applyMigrations(d.dsn)
}
