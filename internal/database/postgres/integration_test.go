package postgres

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koustreak/pgdispatch/internal/database"
	"github.com/koustreak/pgdispatch/internal/errs"
	"github.com/koustreak/pgdispatch/internal/logger"
)

var (
	containerOnce sync.Once
	containerCfg  *database.Config
	containerErr  error
)

// setupTestDB starts one PostgreSQL container per test binary and returns a
// config pointing at it. Skipped unless TEST_INTEGRATION is set.
func setupTestDB(t *testing.T) *database.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"docker.io/postgres:17-alpine",
			tcpostgres.WithDatabase("pgdispatch_test"),
			tcpostgres.WithUsername("pgdispatch"),
			tcpostgres.WithPassword("test-password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			containerErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432")
		if err != nil {
			containerErr = err
			return
		}
		p, err := strconv.Atoi(port.Port())
		if err != nil {
			containerErr = err
			return
		}

		cfg := database.DefaultConfig()
		cfg.Host = host
		cfg.Port = p
		cfg.User = "pgdispatch"
		cfg.Password = "test-password"
		cfg.Database = "pgdispatch_test"
		containerCfg = cfg
	})
	require.NoError(t, containerErr, "failed to start postgres container")

	cfg := *containerCfg
	return &cfg
}

type openFunc func(t *testing.T, cfg *database.Config) database.Pool

func pools() map[string]openFunc {
	return map[string]openFunc{
		"blocking": func(t *testing.T, cfg *database.Config) database.Pool {
			p, err := NewBlockingPool(cfg, logger.Nop())
			require.NoError(t, err)
			t.Cleanup(p.Close)
			return p
		},
		"async": func(t *testing.T, cfg *database.Config) database.Pool {
			p, err := NewAsyncPool(context.Background(), cfg, logger.Nop())
			require.NoError(t, err)
			t.Cleanup(p.Close)
			return p
		},
	}
}

func runQuery(t *testing.T, pool database.Pool, sql string) (string, error) {
	t.Helper()
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	arr, err := conn.Query(ctx, sql)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(arr)
	require.NoError(t, err)
	return string(out), nil
}

func TestPool_Query(t *testing.T) {
	cfg := setupTestDB(t)

	tests := []struct {
		name string
		sql  string
		want string
	}{
		{"single int", "SELECT 1 AS x", `[{"x":1}]`},
		{"empty result", "SELECT 1 AS x WHERE false", `[]`},
		{"null", "SELECT NULL::int4 AS col", `[{"col":null}]`},
		{"mixed", "SELECT true AS b, 'hi'::text AS s, 2.5::float8 AS f, 9000000000::int8 AS big", `[{"b":true,"s":"hi","f":2.5,"big":9000000000}]`},
		{"numeric", "SELECT 0.10::numeric AS n", `[{"n":0.10}]`},
		{"timestamp", "SELECT '2024-01-02 03:04:05'::timestamp AS ts", `[{"ts":"2024-01-02T03:04:05Z"}]`},
		{"uuid", "SELECT 'a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11'::uuid AS id", `[{"id":"a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"}]`},
		{"array", "SELECT ARRAY[1, NULL, 3]::int4[] AS a", `[{"a":[1,null,3]}]`},
		{"text array", "SELECT ARRAY['x','y']::text[] AS a", `[{"a":["x","y"]}]`},
		{"unknown type as text", "SELECT '192.168.0.1'::inet AS ip", `[{"ip":"192.168.0.1"}]`},
		{"row order", "SELECT g AS n FROM generate_series(1, 3) g ORDER BY g", `[{"n":1},{"n":2},{"n":3}]`},
		{"duplicate names", "SELECT 1 AS a, 2 AS b, 3 AS a", `[{"a":3,"b":2}]`},
		{"void", "SELECT pg_sleep(0) AS v", `[{"v":null}]`},
	}

	for poolName, open := range pools() {
		pool := open(t, cfg)
		for _, tt := range tests {
			t.Run(poolName+"/"+tt.name, func(t *testing.T) {
				got, err := runQuery(t, pool, tt.sql)
				require.NoError(t, err)
				assert.JSONEq(t, tt.want, got)
			})
		}
	}
}

func TestPool_QueryErrors(t *testing.T) {
	cfg := setupTestDB(t)

	for poolName, open := range pools() {
		pool := open(t, cfg)
		t.Run(poolName, func(t *testing.T) {
			_, err := runQuery(t, pool, "SELEC 1")
			require.Error(t, err)
			assert.True(t, errs.IsDriver(err))
			assert.Contains(t, err.Error(), "42601")

			// The connection is still usable after a server-side error.
			got, err := runQuery(t, pool, "SELECT 1 AS x")
			require.NoError(t, err)
			assert.Equal(t, `[{"x":1}]`, got)
		})
	}
}

func TestPool_Exhaustion(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.MaxConns = 2
	cfg.AcquireTimeout = 200 * time.Millisecond

	for poolName, open := range pools() {
		pool := open(t, cfg)
		t.Run(poolName, func(t *testing.T) {
			ctx := context.Background()

			a, err := pool.Acquire(ctx)
			require.NoError(t, err)
			b, err := pool.Acquire(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, pool.Stat().InUse)

			start := time.Now()
			_, err = pool.Acquire(ctx)
			require.Error(t, err)
			assert.True(t, errs.IsPool(err))
			assert.Contains(t, err.Error(), "timed out waiting for a connection")
			assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

			a.Release()
			a.Release()
			c, err := pool.Acquire(ctx)
			require.NoError(t, err)
			c.Release()
			b.Release()

			assert.Equal(t, 0, pool.Stat().InUse)
		})
	}
}

func TestPool_CancelledQueryReturnsConnection(t *testing.T) {
	cfg := setupTestDB(t)
	cfg.MaxConns = 1

	for poolName, open := range pools() {
		pool := open(t, cfg)
		t.Run(poolName, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			conn, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			_, err = conn.Query(ctx, "SELECT pg_sleep(5)")
			conn.Release()
			require.Error(t, err)
			assert.True(t, errs.IsDriver(err))

			got, err := runQuery(t, pool, "SELECT 1 AS x")
			require.NoError(t, err)
			assert.Equal(t, `[{"x":1}]`, got)
		})
	}
}

func TestPool_ClosedRejectsAcquire(t *testing.T) {
	cfg := setupTestDB(t)

	for poolName, open := range pools() {
		pool := open(t, cfg)
		t.Run(poolName, func(t *testing.T) {
			require.NoError(t, pool.Ping(context.Background()))
			pool.Close()
			_, err := pool.Acquire(context.Background())
			require.Error(t, err)
			assert.True(t, errs.IsPool(err))
		})
	}
}
