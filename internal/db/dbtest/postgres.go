// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"imobilerepair/internal/db"
	"imobilerepair/internal/migrate"
)

// Pool returns a migrated pool. TEST_DB_DSN points at an existing database; otherwise a
// postgres container is started, and the test is skipped when Docker is unavailable.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("shop_test"),
			postgres.WithUsername("shop"),
			postgres.WithPassword("shop"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("terminate postgres container: %v", err)
			}
		})
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrate.Apply(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE orders, products`)
	require.NoError(t, err)
	return pool
}
