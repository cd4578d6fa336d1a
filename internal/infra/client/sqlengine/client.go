// Package sqlengine runs benchmark queries as asynchronous jobs against a
// relational database. It implements the same submit, poll and abort contract
// as the query tracker so a workload can be run locally.
package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whhaicheng/QTBench/internal/domain/connection"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
)

// ErrClosed is returned when submitting to a closed client.
var ErrClosed = errors.New("sql engine closed")

// job is one submitted query.
type job struct {
	id          execution.QueryID
	text        string
	annotations map[string]string
	cancel      context.CancelFunc

	// Guarded by Client.mu.
	state  execution.QueryState
	start  *time.Time
	finish *time.Time
	err    string
	rows   int64
}

// Client implements usecase.QueryClient on top of database/sql.
type Client struct {
	db     *sql.DB
	tunnel *SSHTunnel
	engine string
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[execution.QueryID]*job
	closed bool
	wg     sync.WaitGroup
}

// Open connects to target, through an SSH tunnel when one is configured.
func Open(ctx context.Context, target connection.Target) (*Client, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}

	host, port := target.Addr()
	var tunnel *SSHTunnel
	if target.SSH != nil && target.SSH.Enabled {
		var err error
		tunnel, err = NewSSHTunnel(ctx, target.SSH, host, port)
		if err != nil {
			return nil, err
		}
		host, port = "127.0.0.1", tunnel.LocalPort()
	}

	dsn, err := buildDSN(&target, host, port)
	if err != nil {
		closeTunnel(tunnel)
		return nil, err
	}

	db, err := sql.Open(driverName(target.Driver), dsn)
	if err != nil {
		closeTunnel(tunnel)
		return nil, fmt.Errorf("open %s: %w", target.Driver, err)
	}

	maxConns := target.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	if target.Driver == connection.DriverSQLite {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		closeTunnel(tunnel)
		return nil, fmt.Errorf("ping %s: %w", target.Redact(), err)
	}

	slog.InfoContext(ctx, "SQLEngine: connected", "target", target.Redact())
	return newClient(db, tunnel, string(target.Driver)), nil
}

func newClient(db *sql.DB, tunnel *SSHTunnel, engine string) *Client {
	return &Client{
		db:     db,
		tunnel: tunnel,
		engine: engine,
		now:    time.Now,
		jobs:   make(map[execution.QueryID]*job),
	}
}

func closeTunnel(t *SSHTunnel) {
	if t != nil {
		t.Close()
	}
}

// StartQuery registers a pending job and runs it in the background. The job
// outlives ctx; only AbortQuery or Close stop it.
func (c *Client) StartQuery(ctx context.Context, req execution.StartRequest) (execution.QueryID, error) {
	if req.Query == "" {
		return "", fmt.Errorf("start query: empty query text")
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{
		id:          execution.QueryID(uuid.NewString()),
		text:        req.Query,
		annotations: req.Annotations,
		cancel:      cancel,
		state:       execution.StatePending,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	c.jobs[j.id] = j
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(jobCtx, j)

	slog.DebugContext(ctx, "SQLEngine: job submitted", "query_id", j.id)
	return j.id, nil
}

func (c *Client) run(ctx context.Context, j *job) {
	defer c.wg.Done()
	defer j.cancel()

	c.mu.Lock()
	if j.state != execution.StatePending {
		// Aborted before it started.
		c.mu.Unlock()
		return
	}
	start := c.now()
	j.state = execution.StateRunning
	j.start = &start
	c.mu.Unlock()

	rows, err := c.execute(ctx, j.text)

	c.mu.Lock()
	defer c.mu.Unlock()

	finish := c.now()
	if j.finish == nil {
		j.finish = &finish
	}
	j.rows = rows
	switch {
	case j.state == execution.StateAborted:
	case err != nil && ctx.Err() != nil:
		j.state = execution.StateAborted
	case err != nil:
		j.state = execution.StateFailed
		j.err = err.Error()
	default:
		j.state = execution.StateCompleted
	}

	slog.Debug("SQLEngine: job finished",
		"query_id", j.id,
		"state", j.state,
		"rows", j.rows,
		"duration", j.finish.Sub(start))
}

// execute runs text and counts the returned rows.
func (c *Client) execute(ctx context.Context, text string) (int64, error) {
	rows, err := c.db.QueryContext(ctx, text)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	return n, rows.Close()
}

// GetQuery returns a snapshot of the job.
func (c *Client) GetQuery(ctx context.Context, id execution.QueryID) (*execution.QueryInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrQueryNotFound, id)
	}

	info := &execution.QueryInfo{
		ID:          j.id,
		State:       j.state,
		Engine:      c.engine,
		StartTime:   j.start,
		FinishTime:  j.finish,
		Error:       j.err,
		Annotations: j.annotations,
	}
	if j.state == execution.StateCompleted {
		rows := j.rows
		info.RowCount = &rows
	}
	return info, nil
}

// AbortQuery cancels a pending or running job.
func (c *Client) AbortQuery(ctx context.Context, id execution.QueryID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrQueryNotFound, id)
	}
	if j.state.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", execution.ErrQueryFinished, id, j.state)
	}

	j.state = execution.StateAborted
	if j.finish == nil {
		finish := c.now()
		j.finish = &finish
	}
	j.cancel()

	slog.InfoContext(ctx, "SQLEngine: job aborted", "query_id", id)
	return nil
}

// Close aborts every job still running, waits for them and closes the
// database and the tunnel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, j := range c.jobs {
		j.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	if err := c.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if c.tunnel != nil {
		if err := c.tunnel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
