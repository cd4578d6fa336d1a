// Package usecase defines the collaborator interfaces of the query run use
// case. They are defined by the use case layer and implemented by the
// infrastructure layer.
package usecase

import (
	"context"
	"time"

	"github.com/whhaicheng/QTBench/internal/domain/artifact"
	"github.com/whhaicheng/QTBench/internal/domain/execution"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

// =============================================================================
// Query Client Interface
// =============================================================================

// QueryClient is the binding to the query execution service.
type QueryClient interface {
	// StartQuery submits a query and returns the id the service assigned.
	StartQuery(ctx context.Context, req execution.StartRequest) (execution.QueryID, error)

	// GetQuery returns the current state and metadata of a query.
	GetQuery(ctx context.Context, id execution.QueryID) (*execution.QueryInfo, error)

	// AbortQuery asks the service to abort a query. Aborting an unknown or
	// finished query returns an error matching execution.ErrQueryNotFound or
	// execution.ErrQueryFinished.
	AbortQuery(ctx context.Context, id execution.QueryID) error
}

// =============================================================================
// Query Resolver Interface
// =============================================================================

// QueryResolver turns a selection into runnable queries and builds the text
// of each one.
type QueryResolver interface {
	// Resolve returns the runnable queries in execution order.
	Resolve(ctx context.Context, sel workload.Selection) ([]*workload.RunnableQuery, error)

	// BuildQuery loads the text of a runnable query, pragmas included.
	BuildQuery(ctx context.Context, r *workload.RunnableQuery) (*execution.Query, error)
}

// =============================================================================
// Artifact Sink Interface
// =============================================================================

// ArtifactSink persists artifact events. Close must flush everything that was
// emitted and is called on every exit path of a launch.
type ArtifactSink interface {
	// Emit records one event. Events are emitted in chronological order.
	Emit(ctx context.Context, event artifact.Event) error

	// Close flushes and releases the sink.
	Close() error
}

// =============================================================================
// Launch Repository Interface
// =============================================================================

// LaunchRepository is the read side of the artifact store.
type LaunchRepository interface {
	// ListLaunches returns the most recent launches, newest first.
	ListLaunches(ctx context.Context, limit int) ([]*LaunchSummary, error)

	// GetLaunch returns one launch.
	GetLaunch(ctx context.Context, launchID string) (*LaunchSummary, error)

	// GetLaunchEvents returns the events of one launch in emission order.
	GetLaunchEvents(ctx context.Context, launchID string) ([]*artifact.Event, error)

	// GetQueryRuns returns the per-query records of one launch.
	GetQueryRuns(ctx context.Context, launchID string) ([]*QueryRunRecord, error)
}

// LaunchSummary is one launch as stored by the artifact store.
type LaunchSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string // running, completed, interrupted
	Queries    int
	Failed     int
}

// QueryRunRecord is one processed runnable as stored by the artifact store.
type QueryRunRecord struct {
	LaunchID   string
	Index      int
	RunnableID int
	Title      string
	QueryID    string
	State      string
	Error      string
}
