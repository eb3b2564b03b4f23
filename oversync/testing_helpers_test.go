package oversync

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testEntities is a small retail catalog: category <- product <- sale_item -> sale
func testEntities() []RegisteredEntity {
	return []RegisteredEntity{
		{Name: "category", Tier: 2},
		{Name: "product", Tier: 3, References: []Reference{{Field: "categoryId", Entity: "category"}}},
		{Name: "sale", Tier: 5, BranchScoped: true},
		{Name: "sale_item", Tier: 6, BranchScoped: true, References: []Reference{
			{Field: "saleId", Entity: "sale"},
			{Field: "productId", Entity: "product"},
		}},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newOfflineService builds a service without a database for validation and routing tests
func newOfflineService(t *testing.T) *SyncService {
	t.Helper()
	svc, err := NewSyncService(nil, DefaultServiceConfig("overpos-test", testEntities()), testLogger())
	require.NoError(t, err)
	return svc
}

// newTestPool connects to TEST_DATABASE_URL or starts a disposable PostgreSQL container
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15-alpine"),
			postgres.WithDatabase("overpos_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Skipf("PostgreSQL container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })
		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Start every test from an empty sync schema.
	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS sync CASCADE`)
	require.NoError(t, err)
	return pool
}

func newTestService(t *testing.T, pool *pgxpool.Pool) *SyncService {
	t.Helper()
	svc, err := NewSyncService(pool, DefaultServiceConfig("overpos-test", testEntities()), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}
