// Package testhelpers starts a throwaway PostgreSQL for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ajitpratap0/foldwise/internal/db"
)

// PostgresContainer holds the testcontainer instance and connection details
type PostgresContainer struct {
	Container     *postgres.PostgresContainer
	ConnectionStr string
	DB            *db.DB
	pool          *pgxpool.Pool
	t             *testing.T
}

// SetupTestDatabase starts PostgreSQL, connects a pool and applies the
// embedded migrations
func SetupTestDatabase(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("foldwise_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	tc := &PostgresContainer{Container: container, t: t}
	t.Cleanup(tc.Cleanup)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	tc.ConnectionStr = connStr

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	config.MaxConns = 5
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	tc.pool = pool
	tc.DB = db.NewWithPool(pool)

	if err := tc.DB.Health(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}
	if err := tc.applyMigrations(ctx); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return tc
}

func (tc *PostgresContainer) applyMigrations(ctx context.Context) error {
	sqlDB, err := db.OpenSQL(tc.ConnectionStr)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	applied, err := db.NewMigrator(sqlDB).Migrate(ctx)
	if err != nil {
		return err
	}
	tc.t.Logf("Applied %d migrations", applied)
	return nil
}

// Cleanup closes the pool and terminates the container
func (tc *PostgresContainer) Cleanup() {
	if tc.pool != nil {
		tc.pool.Close()
		tc.pool = nil
	}
	if tc.Container != nil {
		if err := tc.Container.Terminate(context.Background()); err != nil {
			tc.t.Logf("Failed to terminate container: %v", err)
		}
		tc.Container = nil
	}
}

// TruncateAllTables clears all data from tables (useful for test isolation)
func (tc *PostgresContainer) TruncateAllTables() error {
	ctx := context.Background()
	for _, table := range []string{"fold_results", "analysis_runs", "candlesticks"} {
		if _, err := tc.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	return nil
}
