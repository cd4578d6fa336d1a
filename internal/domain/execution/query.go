package execution

import (
	"errors"
	"fmt"
	"time"
)

// EngineYQL is the engine identifier every benchmark query is submitted with.
const EngineYQL = "yql"

var (
	// ErrQueryNotFound is returned when the service does not know the query id.
	ErrQueryNotFound = errors.New("no such query")

	// ErrQueryFinished is returned when an operation needs a non-terminal
	// query but the query has already reached a terminal state.
	ErrQueryFinished = errors.New("query already finished")

	// ErrInvalidSettings is returned when run settings are invalid.
	ErrInvalidSettings = errors.New("invalid run settings")
)

// QueryID is the handle the service returns on submission.
type QueryID string

// String implements Stringer interface.
func (id QueryID) String() string {
	return string(id)
}

// RunSettings are the per-launch settings sent with every submitted query.
type RunSettings struct {
	Stage          string `json:"stage" yaml:"stage"`                     // YQL agent stage
	PollerInterval string `json:"poller_interval" yaml:"poller_interval"` // Service-side poller interval, e.g. "1s"
}

// Validate validates the settings.
func (s RunSettings) Validate() error {
	if s.Stage == "" {
		return fmt.Errorf("%w: stage is required", ErrInvalidSettings)
	}
	if s.PollerInterval != "" {
		if _, err := time.ParseDuration(s.PollerInterval); err != nil {
			return fmt.Errorf("%w: poller_interval %q: %v", ErrInvalidSettings, s.PollerInterval, err)
		}
	}
	return nil
}

// Map returns the settings in the shape the service expects.
func (s RunSettings) Map() map[string]any {
	m := map[string]any{"stage": s.Stage}
	if s.PollerInterval != "" {
		m["poller_interval"] = s.PollerInterval
	}
	return m
}

// Query is the executable text of one benchmark query together with the
// engine settings it needs. It is built right before submission.
type Query struct {
	Text     string         `json:"text"`
	Settings map[string]any `json:"settings,omitempty"`
}

// StartRequest is everything needed to submit a query.
type StartRequest struct {
	Engine      string            `json:"engine"`
	Query       string            `json:"query"`
	Settings    map[string]any    `json:"settings,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// NewStartRequest builds the submission for q. Run settings win over
// settings carried by the query.
func NewStartRequest(q *Query, settings RunSettings, title string) StartRequest {
	merged := make(map[string]any, len(q.Settings)+2)
	for k, v := range q.Settings {
		merged[k] = v
	}
	for k, v := range settings.Map() {
		merged[k] = v
	}

	return StartRequest{
		Engine:      EngineYQL,
		Query:       q.Text,
		Settings:    merged,
		Annotations: map[string]string{"title": title},
	}
}

// QueryInfo is the state and metadata of a submitted query.
type QueryInfo struct {
	ID          QueryID           `json:"id"`
	State       QueryState        `json:"state"`
	Engine      string            `json:"engine,omitempty"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	FinishTime  *time.Time        `json:"finish_time,omitempty"`
	Error       string            `json:"error,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	RowCount    *int64            `json:"row_count,omitempty"`

	// Raw is the full payload as returned by the service, when available.
	Raw map[string]any `json:"-"`
}

// Payload returns what gets recorded as the query-info artifact.
func (i *QueryInfo) Payload() any {
	if i.Raw != nil {
		return i.Raw
	}
	return i
}

// Duration returns the execution time reported by the service.
func (i *QueryInfo) Duration() time.Duration {
	if i.StartTime == nil || i.FinishTime == nil {
		return 0
	}
	return i.FinishTime.Sub(*i.StartTime)
}
