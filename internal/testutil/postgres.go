//go:build integration

package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cuongbtq/jobserver/migrations"
	"github.com/cuongbtq/jobserver/shared/postgresql"
)

// NewTestDB starts a Postgres testcontainer with every migration applied.
// The container and the client are released via t.Cleanup.
func NewTestDB(t *testing.T) *postgresql.Client {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("jobserver_test"),
		tcpostgres.WithUsername("jobserver_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := postgresql.NewClientFromDSN(connStr, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if _, err := client.Migrate(migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return client
}
