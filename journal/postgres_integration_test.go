//go:build integration

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("journal_test"),
		postgres.WithUsername("journal"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresConformance(t *testing.T) {
	dsn := startPostgres(t)

	runConformance(t, func(t *testing.T, opts ...Option) Journal {
		ctx := context.Background()
		j, err := OpenPostgres(ctx, dsn, opts...)
		require.NoError(t, err)
		_, err = j.pool.Exec(ctx, `TRUNCATE tag_association, tag, declaration RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = j.Close() })
		return j
	})
}

func TestPostgresOpenDispatch(t *testing.T) {
	dsn := startPostgres(t)

	j, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	defer j.Close()
	assert.IsType(t, &Postgres{}, j)
}
