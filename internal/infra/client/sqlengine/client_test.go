package sqlengine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whhaicheng/QTBench/internal/domain/connection"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
)

const endless = `WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT x FROM c`

func openSQLite(t *testing.T) *Client {
	t.Helper()
	c, err := Open(context.Background(), connection.Target{
		Driver:   connection.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func start(t *testing.T, c *Client, text string) execution.QueryID {
	t.Helper()
	id, err := c.StartQuery(context.Background(), execution.StartRequest{
		Engine:      execution.EngineYQL,
		Query:       text,
		Annotations: map[string]string{"title": "q1"},
	})
	require.NoError(t, err)
	return id
}

func waitState(t *testing.T, c *Client, id execution.QueryID, want execution.QueryState) *execution.QueryInfo {
	t.Helper()
	var info *execution.QueryInfo
	require.Eventually(t, func() bool {
		got, err := c.GetQuery(context.Background(), id)
		if err != nil {
			return false
		}
		info = got
		return got.State == want
	}, 5*time.Second, 5*time.Millisecond, "query %s never reached %s", id, want)
	return info
}

func TestClient_Completed(t *testing.T) {
	c := openSQLite(t)

	id := start(t, c, "SELECT 1 UNION ALL SELECT 2 UNION ALL SELECT 3")
	info := waitState(t, c, id, execution.StateCompleted)

	require.NotNil(t, info.RowCount)
	assert.EqualValues(t, 3, *info.RowCount)
	assert.Equal(t, "sqlite", info.Engine)
	assert.Equal(t, "q1", info.Annotations["title"])
	require.NotNil(t, info.StartTime)
	require.NotNil(t, info.FinishTime)
	assert.False(t, info.FinishTime.Before(*info.StartTime))
}

func TestClient_Failed(t *testing.T) {
	c := openSQLite(t)

	id := start(t, c, "SELECT * FROM missing_table")
	info := waitState(t, c, id, execution.StateFailed)

	assert.Contains(t, info.Error, "no such table")
	assert.Nil(t, info.RowCount)
}

func TestClient_Abort(t *testing.T) {
	c := openSQLite(t)

	id := start(t, c, endless)
	waitState(t, c, id, execution.StateRunning)

	require.NoError(t, c.AbortQuery(context.Background(), id))
	info, err := c.GetQuery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateAborted, info.State)

	err = c.AbortQuery(context.Background(), id)
	assert.ErrorIs(t, err, execution.ErrQueryFinished)
	assert.Equal(t, execution.AbortAlreadyFinished, execution.ClassifyAbort(err).Result)

	// The single connection is released once the aborted job stops.
	next := start(t, c, "SELECT 42")
	waitState(t, c, next, execution.StateCompleted)

	info, err = c.GetQuery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateAborted, info.State, "abort is final")
}

func TestClient_AbortKeepsAbortTime(t *testing.T) {
	c := openSQLite(t)

	id := start(t, c, endless)
	waitState(t, c, id, execution.StateRunning)

	abortedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.mu.Lock()
	c.now = func() time.Time { return abortedAt }
	c.mu.Unlock()

	require.NoError(t, c.AbortQuery(context.Background(), id))

	c.mu.Lock()
	c.now = func() time.Time { return abortedAt.Add(time.Hour) }
	c.mu.Unlock()

	// Close waits for the job goroutine to unwind.
	require.NoError(t, c.Close())

	info, err := c.GetQuery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateAborted, info.State)
	require.NotNil(t, info.FinishTime)
	assert.Equal(t, abortedAt, *info.FinishTime)
}

func TestClient_JobOutlivesSubmitContext(t *testing.T) {
	c := openSQLite(t)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := c.StartQuery(ctx, execution.StartRequest{Query: "SELECT 1"})
	require.NoError(t, err)
	cancel()

	waitState(t, c, id, execution.StateCompleted)
}

func TestClient_UnknownQuery(t *testing.T) {
	c := openSQLite(t)

	_, err := c.GetQuery(context.Background(), "nope")
	assert.ErrorIs(t, err, execution.ErrQueryNotFound)

	err = c.AbortQuery(context.Background(), "nope")
	assert.ErrorIs(t, err, execution.ErrQueryNotFound)
}

func TestClient_CloseAbortsRunning(t *testing.T) {
	c, err := Open(context.Background(), connection.Target{
		Driver:   connection.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)

	id := start(t, c, endless)
	waitState(t, c, id, execution.StateRunning)

	require.NoError(t, c.Close())
	info, err := c.GetQuery(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, execution.StateAborted, info.State)

	_, err = c.StartQuery(context.Background(), execution.StartRequest{Query: "SELECT 1"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close())
}

func TestOpen_InvalidTarget(t *testing.T) {
	_, err := Open(context.Background(), connection.Target{Driver: connection.DriverMySQL})
	require.Error(t, err)
	assert.ErrorContains(t, err, "host is required")
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name   string
		target connection.Target
		check  func(t *testing.T, dsn string)
	}{
		{
			name:   "mysql",
			target: connection.Target{Driver: connection.DriverMySQL, Database: "tpcds", Username: "root", Password: "pw", SSLMode: "require"},
			check: func(t *testing.T, dsn string) {
				assert.True(t, strings.HasPrefix(dsn, "root:pw@tcp(db:3306)/tpcds?"), dsn)
				assert.Contains(t, dsn, "tls=true")
			},
		},
		{
			name:   "postgres",
			target: connection.Target{Driver: connection.DriverPostgreSQL, Database: "tpcds", Username: "bench", Password: "p w"},
			check: func(t *testing.T, dsn string) {
				assert.Contains(t, dsn, "host=db")
				assert.Contains(t, dsn, "port=3306")
				assert.Contains(t, dsn, "dbname=tpcds")
				assert.Contains(t, dsn, "sslmode=disable")
			},
		},
		{
			name:   "sqlserver",
			target: connection.Target{Driver: connection.DriverSQLServer, Database: "tpcds", Username: "sa", Password: "pw"},
			check: func(t *testing.T, dsn string) {
				assert.True(t, strings.HasPrefix(dsn, "sqlserver://sa:pw@db:3306?"), dsn)
				assert.Contains(t, dsn, "database=tpcds")
				assert.Contains(t, dsn, "trustservercertificate=true")
			},
		},
		{
			name:   "oracle",
			target: connection.Target{Driver: connection.DriverOracle, ServiceName: "ORCLPDB1", Username: "system", Password: "pw"},
			check: func(t *testing.T, dsn string) {
				assert.True(t, strings.HasPrefix(dsn, "oracle://system:pw@db:3306/ORCLPDB1"), dsn)
			},
		},
		{
			name:   "sqlite",
			target: connection.Target{Driver: connection.DriverSQLite, Database: "/tmp/bench.db"},
			check: func(t *testing.T, dsn string) {
				assert.True(t, strings.HasPrefix(dsn, "file:/tmp/bench.db"), dsn)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn, err := buildDSN(&tt.target, "db", 3306)
			require.NoError(t, err)
			tt.check(t, dsn)
		})
	}

	_, err := buildDSN(&connection.Target{Driver: "db2"}, "db", 1)
	assert.Error(t, err)
}

func TestDriverName(t *testing.T) {
	assert.Equal(t, "postgres", driverName(connection.DriverPostgreSQL))
	assert.Equal(t, "oracle", driverName(connection.DriverOracle))
	assert.Equal(t, "sqlserver", driverName(connection.DriverSQLServer))
}
