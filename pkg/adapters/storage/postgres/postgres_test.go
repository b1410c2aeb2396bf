package postgres

import (
	"context"
	"testing"

	"github.com/aescanero/dagflow/pkg/adapters/storage/storagetest"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("dagflow"),
		tcpostgres.WithUsername("dagflow"),
		tcpostgres.WithPassword("dagflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, connStr, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestStore(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	store := NewStore(pool, zaptest.NewLogger(t))
	require.NoError(t, store.Migrate(ctx))
	// idempotent
	require.NoError(t, store.Migrate(ctx))

	storagetest.Run(t, func(t *testing.T) ports.Store {
		_, err := pool.Exec(ctx, `TRUNCATE dagflow_workflow_steps, dagflow_workflows`)
		require.NoError(t, err)
		return store
	})
}
