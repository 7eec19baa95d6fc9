// Package harmonydbtest provides databases for integration tests. Tests
// use the Postgres at CONNECTOR_TEST_PG_DSN when set, and otherwise start a
// Postgres container; they are skipped in -short mode or without Docker.
package harmonydbtest

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dsconnector/connector/lib/harmony/harmonydb"
)

const EnvDSN = "CONNECTOR_TEST_PG_DSN"

var (
	startOnce sync.Once
	sharedDSN string
	startErr  error
)

// dsn starts at most one container per test binary. It is left for the
// testcontainers reaper to remove.
func dsn(ctx context.Context) (string, error) {
	if d := os.Getenv(EnvDSN); d != "" {
		return d, nil
	}
	startOnce.Do(func() {
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("connector"),
			postgres.WithUsername("connector"),
			postgres.WithPassword("connector"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			startErr = err
			return
		}
		sharedDSN, startErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	return sharedDSN, startErr
}

// NewDB returns a database in a fresh schema which is dropped when the test
// ends.
func NewDB(t *testing.T) *harmonydb.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	ctx := context.Background()
	d, err := dsn(ctx)
	if err != nil {
		t.Skipf("no database available (set %s or run docker): %s", EnvDSN, err)
	}

	cfg, err := pgx.ParseConfig(d)
	require.NoError(t, err)

	db, err := harmonydb.New(
		[]string{cfg.Host},
		cfg.User,
		cfg.Password,
		cfg.Database,
		strconv.Itoa(int(cfg.Port)),
		harmonydb.ITestNewID(),
	)
	require.NoError(t, err)
	t.Cleanup(db.ITestDeleteAll)
	return db
}
