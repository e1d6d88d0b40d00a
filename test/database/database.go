// Package database provides the PostgreSQL test harness. In CI (when
// CI_DATABASE_URL is set) tests connect to an external service container;
// locally a shared testcontainer is started once per package. Every test gets
// its own schema, so tests in one package run in parallel safely.
package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	appdb "github.com/agentplane/agentplane/pkg/database"
	"github.com/agentplane/agentplane/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// BaseConnString returns the connection string of the test PostgreSQL server,
// starting the shared container on first use.
func BaseConnString(t *testing.T) string {
	t.Helper()

	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("agentplane_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr, "failed to start postgres container")
	return sharedConnStr
}

// NewTestStore creates an isolated schema with migrations applied and returns
// a store plus its database client. Cleanup drops the schema.
func NewTestStore(t *testing.T) (*store.Store, *appdb.Client) {
	t.Helper()
	ctx := context.Background()

	base := BaseConnString(t)
	schema := schemaName(t)

	adminPool, err := pgxpool.New(ctx, base)
	require.NoError(t, err)
	_, err = adminPool.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	connStr := withSearchPath(base, schema)
	require.NoError(t, appdb.RunMigrations(connStr, "agentplane_test"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = adminPool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		adminPool.Close()
	})

	return store.New(pool), appdb.NewClientFromPool(pool, connStr)
}

// schemaName derives a unique, valid schema identifier for this test.
func schemaName(t *testing.T) string {
	raw := make([]byte, 4)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	base := strings.ToLower(t.Name())
	base = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, base)
	if len(base) > 40 {
		base = base[:40]
	}
	return fmt.Sprintf("t_%s_%s", base, hex.EncodeToString(raw))
}

func withSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + schema
}
