package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	logOccurrenceCount = 2
	startupTimeout     = 120 * time.Second
)

// TestDatabase bundles the container-backed database resources an
// integration test needs to clean up.
type TestDatabase struct {
	Container *postgres.PostgresContainer
	Conn      *Connection
}

// SetupTestDatabase starts a disposable PostgreSQL container, opens a
// Connection to it and creates the scan schema. The standard setup for
// integration tests across packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := storage.SetupTestDatabase(ctx, t)
//		t.Cleanup(func() {
//			_ = testDB.Conn.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scanforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(logOccurrenceCount).
				WithStartupTimeout(startupTimeout),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := NewConnection(NewConfig(connStr))
	if err != nil {
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to open database: %v", err)
	}

	// The production PostgreSQL schema comes from the migrator; tests use
	// the equivalent idempotent DDL directly.
	if err := conn.EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to create schema: %v", err)
	}

	return &TestDatabase{Container: pgContainer, Conn: conn}
}
