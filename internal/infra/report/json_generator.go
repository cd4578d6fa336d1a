package report

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONGenerator generates JSON launch reports.
type JSONGenerator struct{}

// NewJSONGenerator creates a new JSON generator.
func NewJSONGenerator() *JSONGenerator {
	return &JSONGenerator{}
}

// Format returns the format this generator produces.
func (g *JSONGenerator) Format() Format {
	return FormatJSON
}

type jsonReport struct {
	Meta      jsonMeta       `json:"meta"`
	Summary   jsonSummary    `json:"summary"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Queries   []jsonQuery    `json:"queries"`
}

type jsonMeta struct {
	LaunchID    string    `json:"launch_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

type jsonSummary struct {
	Status          string         `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Queries         int            `json:"queries"`
	Failed          int            `json:"failed"`
	States          map[string]int `json:"states"`
}

type jsonQuery struct {
	Index           int     `json:"index"`
	RunnableID      int     `json:"runnable_id"`
	Title           string  `json:"title"`
	QueryID         string  `json:"query_id,omitempty"`
	State           string  `json:"state,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	RowCount        *int64  `json:"row_count,omitempty"`
}

// Generate generates a JSON report.
func (g *JSONGenerator) Generate(r *LaunchReport) ([]byte, error) {
	if r == nil || r.Launch == nil {
		return nil, fmt.Errorf("validation failed: launch is required")
	}

	out := jsonReport{
		Meta: jsonMeta{
			LaunchID:    r.Launch.ID,
			GeneratedAt: r.GeneratedAt,
		},
		Summary: jsonSummary{
			Status:          r.Launch.Status,
			StartedAt:       r.Launch.StartedAt,
			FinishedAt:      r.Launch.FinishedAt,
			DurationSeconds: r.Duration().Seconds(),
			Queries:         len(r.Queries),
			States:          r.StateCounts(),
		},
		Arguments: r.Arguments,
		Queries:   make([]jsonQuery, 0, len(r.Queries)),
	}
	for _, q := range r.Queries {
		if q.Failed() {
			out.Summary.Failed++
		}
		out.Queries = append(out.Queries, jsonQuery{
			Index:           q.Index,
			RunnableID:      q.RunnableID,
			Title:           q.Title,
			QueryID:         q.QueryID,
			State:           q.State,
			Error:           q.Error,
			DurationSeconds: q.Duration.Seconds(),
			RowCount:        q.RowCount,
		})
	}

	content, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return append(content, '\n'), nil
}
