//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/internal/auth/store/drivers/postgres"
	"github.com/aussiebroadwan/credcore/internal/auth/store/storetest"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "credcore"
	pgPassword = "credcore"
)

// startPostgres runs a throwaway server and returns a DSN template taking
// the database name.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        pgImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%%s?sslmode=disable", pgUser, pgPassword, host, port.Port())
}

func TestConformance(t *testing.T) {
	dsnFor := startPostgres(t)

	admin, err := sql.Open("pgx", fmt.Sprintf(dsnFor, "postgres"))
	require.NoError(t, err)
	defer admin.Close()

	var n atomic.Int64
	newStore := func(t *testing.T) store.Store {
		t.Helper()
		ctx := context.Background()

		// One database per subtest keeps listings isolated.
		name := fmt.Sprintf("credcore_%d", n.Add(1))
		_, err := admin.ExecContext(ctx, "CREATE DATABASE "+name)
		require.NoError(t, err)

		s, err := postgres.NewStore(ctx, fmt.Sprintf(dsnFor, name))
		require.NoError(t, err)
		require.NoError(t, s.ApplyMigrations())
		require.NoError(t, s.ApplyMigrations(), "second run is a no-op")
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	storetest.Run(t, newStore)

	t.Run("AuditLogsAppendOnly", func(t *testing.T) {
		s := newStore(t).(interface{ DB() *sql.DB })
		ctx := context.Background()

		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO audit_logs (id, action, created_at) VALUES ('a1', 'user.login', now())`)
		require.NoError(t, err)

		_, err = s.DB().ExecContext(ctx, `UPDATE audit_logs SET action = 'x' WHERE id = 'a1'`)
		require.Error(t, err)
		_, err = s.DB().ExecContext(ctx, `DELETE FROM audit_logs WHERE id = 'a1'`)
		require.Error(t, err)
	})
}
