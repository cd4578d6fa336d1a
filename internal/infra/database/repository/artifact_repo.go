// Package repository provides SQLite repository implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/domain/artifact"
)

var (
	// ErrLaunchNotFound is returned when a launch is not found.
	ErrLaunchNotFound = errors.New("launch not found")

	// ErrLaunchClosed is returned when emitting to a finished launch.
	ErrLaunchClosed = errors.New("launch already finished")
)

// Launch statuses stored in the launches table.
const (
	LaunchRunning     = "running"
	LaunchCompleted   = "completed"
	LaunchInterrupted = "interrupted"
)

// SQLiteArtifactRepository stores launches, their query runs and every
// artifact event in SQLite.
type SQLiteArtifactRepository struct {
	db *sql.DB
}

// NewSQLiteArtifactRepository creates a new SQLite artifact repository.
func NewSQLiteArtifactRepository(db *sql.DB) *SQLiteArtifactRepository {
	return &SQLiteArtifactRepository{db: db}
}

// OpenLaunch inserts a running launch and returns the sink that records its
// events.
func (r *SQLiteArtifactRepository) OpenLaunch(ctx context.Context, launchID string, startedAt time.Time) (*LaunchSink, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO launches (id, started_at, status) VALUES (?, ?, ?)`,
		launchID, startedAt.UTC().Format(time.RFC3339Nano), LaunchRunning)
	if err != nil {
		return nil, fmt.Errorf("insert launch: %w", err)
	}
	return &LaunchSink{repo: r, launchID: launchID}, nil
}

// launchSummarySelect selects launches with their query counts. Callers
// append WHERE, ORDER BY and LIMIT clauses after the GROUP BY placeholder.
const launchSummarySelect = `
	SELECT l.id, l.started_at, l.finished_at, l.status,
	       COUNT(q.idx),
	       COALESCE(SUM(CASE WHEN q.error IS NOT NULL AND q.error != '' THEN 1 ELSE 0 END), 0)
	FROM launches l
	LEFT JOIN query_runs q ON q.launch_id = l.id
`

// ListLaunches returns the most recent launches, newest first.
func (r *SQLiteArtifactRepository) ListLaunches(ctx context.Context, limit int) ([]*usecase.LaunchSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	query := launchSummarySelect + `
		GROUP BY l.id
		ORDER BY l.started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query launches: %w", err)
	}
	defer rows.Close()

	var launches []*usecase.LaunchSummary
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, err
		}
		launches = append(launches, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate launches: %w", err)
	}
	return launches, nil
}

// GetLaunch returns one launch.
func (r *SQLiteArtifactRepository) GetLaunch(ctx context.Context, launchID string) (*usecase.LaunchSummary, error) {
	query := launchSummarySelect + `
		WHERE l.id = ?
		GROUP BY l.id
	`

	l, err := scanLaunch(r.db.QueryRowContext(ctx, query, launchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrLaunchNotFound, launchID)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLaunch(row scanner) (*usecase.LaunchSummary, error) {
	var l usecase.LaunchSummary
	var startedAt string
	var finishedAt *string

	if err := row.Scan(&l.ID, &startedAt, &finishedAt, &l.Status, &l.Queries, &l.Failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan launch: %w", err)
	}

	var err error
	if l.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *finishedAt)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		l.FinishedAt = &t
	}
	return &l, nil
}

// GetLaunchEvents returns the events of one launch in emission order.
// Payloads are returned as json.RawMessage.
func (r *SQLiteArtifactRepository) GetLaunchEvents(ctx context.Context, launchID string) ([]*artifact.Event, error) {
	if err := r.requireLaunch(ctx, launchID); err != nil {
		return nil, err
	}

	query := `
		SELECT seq, kind, query_index, runnable_id, created_at, payload
		FROM artifact_events
		WHERE launch_id = ?
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, launchID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*artifact.Event
	for rows.Next() {
		e := artifact.Event{LaunchID: launchID}
		var kind, createdAt string
		var payload *string

		if err := rows.Scan(&e.Seq, &kind, &e.QueryIndex, &e.RunnableID, &createdAt, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = artifact.Kind(kind)
		if e.Time, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetQueryRuns returns the per-query records of one launch.
func (r *SQLiteArtifactRepository) GetQueryRuns(ctx context.Context, launchID string) ([]*usecase.QueryRunRecord, error) {
	if err := r.requireLaunch(ctx, launchID); err != nil {
		return nil, err
	}

	query := `
		SELECT idx, runnable_id, title, query_id, state, error
		FROM query_runs
		WHERE launch_id = ?
		ORDER BY idx ASC
	`

	rows, err := r.db.QueryContext(ctx, query, launchID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*usecase.QueryRunRecord
	for rows.Next() {
		rec := usecase.QueryRunRecord{LaunchID: launchID}
		var queryID, state, errMsg *string

		if err := rows.Scan(&rec.Index, &rec.RunnableID, &rec.Title, &queryID, &state, &errMsg); err != nil {
			return nil, fmt.Errorf("scan query run: %w", err)
		}
		rec.QueryID = deref(queryID)
		rec.State = deref(state)
		rec.Error = deref(errMsg)
		runs = append(runs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query runs: %w", err)
	}
	return runs, nil
}

func (r *SQLiteArtifactRepository) requireLaunch(ctx context.Context, launchID string) error {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM launches WHERE id = ?`, launchID).Scan(&n)
	if err != nil {
		return fmt.Errorf("check launch: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLaunchNotFound, launchID)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// LaunchSink records the events of one launch. It implements
// usecase.ArtifactSink.
type LaunchSink struct {
	repo     *SQLiteArtifactRepository
	launchID string

	mu       sync.Mutex
	seq      int64
	finished bool
}

// LaunchID returns the id of the launch being recorded.
func (s *LaunchSink) LaunchID() string {
	return s.launchID
}

// Emit stores the event and updates the query run it belongs to.
func (s *LaunchSink) Emit(ctx context.Context, event artifact.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return ErrLaunchClosed
	}

	payload, err := event.MarshalPayload()
	if err != nil {
		return err
	}

	tx, err := s.repo.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq := s.seq + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifact_events (launch_id, seq, kind, query_index, runnable_id, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.launchID, seq, string(event.Kind), event.QueryIndex, event.RunnableID,
		event.Time.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := s.project(ctx, tx, event, payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	s.seq = seq
	return nil
}

// project keeps the launches and query_runs tables in step with the events.
func (s *LaunchSink) project(ctx context.Context, tx *sql.Tx, event artifact.Event, payload []byte) error {
	var (
		query string
		args  []any
	)

	switch event.Kind {
	case artifact.KindLaunch:
		query = `UPDATE launches SET arguments_json = ? WHERE id = ?`
		args = []any{string(payload), s.launchID}

	case artifact.KindQueryStart:
		var p artifact.StartPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		query = `INSERT INTO query_runs (launch_id, idx, runnable_id, title) VALUES (?, ?, ?, ?)`
		args = []any{s.launchID, event.QueryIndex, event.RunnableID, p.Title}

	case artifact.KindQueryID:
		var p artifact.IDPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		query = `UPDATE query_runs SET query_id = ? WHERE launch_id = ? AND idx = ?`
		args = []any{p.QueryID, s.launchID, event.QueryIndex}

	case artifact.KindQueryInfo:
		var p struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		query = `UPDATE query_runs SET state = ? WHERE launch_id = ? AND idx = ?`
		args = []any{p.State, s.launchID, event.QueryIndex}

	case artifact.KindQueryError:
		var p artifact.ErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.Kind, err)
		}
		query = `UPDATE query_runs SET error = ? WHERE launch_id = ? AND idx = ?`
		args = []any{p.Error, s.launchID, event.QueryIndex}

	default:
		return nil
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("project %s: %w", event.Kind, err)
	}
	return nil
}

// Finish marks the launch with its final status. Later emits fail.
func (s *LaunchSink) Finish(ctx context.Context, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(ctx, status)
}

func (s *LaunchSink) finish(ctx context.Context, status string) error {
	if s.finished {
		return nil
	}
	_, err := s.repo.db.ExecContext(ctx,
		`UPDATE launches SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), s.launchID)
	if err != nil {
		return fmt.Errorf("finish launch: %w", err)
	}
	s.finished = true
	return nil
}

// Close marks a launch that was never finished as interrupted. The database
// handle is owned by the caller and stays open.
func (s *LaunchSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(context.Background(), LaunchInterrupted)
}
