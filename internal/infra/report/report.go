// Package report renders launch reports from the artifact store.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/domain/artifact"
)

// ErrUnknownFormat is returned for a report format that has no generator.
var ErrUnknownFormat = errors.New("unknown report format")

// Format is a report output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// Generator renders a launch report.
type Generator interface {
	Generate(r *LaunchReport) ([]byte, error)
	Format() Format
}

// NewGenerator returns the generator of format.
func NewGenerator(format Format) (Generator, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownGenerator(), nil
	case FormatJSON:
		return NewJSONGenerator(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// QueryReport is one query of a launch.
type QueryReport struct {
	Index      int
	RunnableID int
	Title      string
	QueryID    string
	State      string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration // From query-start to the final event
	RowCount   *int64
}

// Failed reports whether processing the query failed.
func (q *QueryReport) Failed() bool {
	return q.Error != ""
}

// LaunchReport is everything recorded for one launch.
type LaunchReport struct {
	Launch      *usecase.LaunchSummary
	Arguments   map[string]any
	Queries     []*QueryReport
	GeneratedAt time.Time
}

// StateCounts returns the number of queries per terminal state. Failed
// queries count as "error".
func (r *LaunchReport) StateCounts() map[string]int {
	counts := make(map[string]int)
	for _, q := range r.Queries {
		switch {
		case q.Failed():
			counts["error"]++
		case q.State == "":
			counts["unknown"]++
		default:
			counts[q.State]++
		}
	}
	return counts
}

// Duration returns the launch wall-clock time, zero while running.
func (r *LaunchReport) Duration() time.Duration {
	if r.Launch.FinishedAt == nil {
		return 0
	}
	return r.Launch.FinishedAt.Sub(r.Launch.StartedAt)
}

// Build assembles a report from the stored launch, its query runs and its
// events.
func Build(launch *usecase.LaunchSummary, runs []*usecase.QueryRunRecord, events []*artifact.Event) (*LaunchReport, error) {
	if launch == nil {
		return nil, errors.New("launch is required")
	}

	r := &LaunchReport{Launch: launch, GeneratedAt: time.Now()}
	byIndex := make(map[int]*QueryReport, len(runs))
	for _, run := range runs {
		q := &QueryReport{
			Index:      run.Index,
			RunnableID: run.RunnableID,
			Title:      run.Title,
			QueryID:    run.QueryID,
			State:      run.State,
			Error:      run.Error,
		}
		r.Queries = append(r.Queries, q)
		byIndex[run.Index] = q
	}

	for _, e := range events {
		if e.Kind == artifact.KindLaunch {
			if err := decodePayload(e, &r.Arguments); err != nil {
				return nil, err
			}
			continue
		}

		q, ok := byIndex[e.QueryIndex]
		if !ok {
			continue
		}
		switch {
		case e.Kind == artifact.KindQueryStart:
			q.StartedAt = e.Time
		case e.Kind.IsFinal() && !q.StartedAt.IsZero():
			q.Duration = e.Time.Sub(q.StartedAt)
		}
		if e.Kind == artifact.KindQueryInfo {
			var info struct {
				RowCount *int64 `json:"row_count"`
			}
			if err := decodePayload(e, &info); err != nil {
				return nil, err
			}
			q.RowCount = info.RowCount
		}
	}
	return r, nil
}

// decodePayload decodes a stored event payload into v.
func decodePayload(e *artifact.Event, v any) error {
	var data []byte
	switch p := e.Payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Kind, err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
