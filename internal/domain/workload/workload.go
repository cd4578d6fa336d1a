// Package workload provides the benchmark workload domain model: which
// queries run, where their text comes from, and which pragmas they get.
package workload

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSelection is returned when a selection is invalid.
	ErrInvalidSelection = errors.New("invalid query selection")

	// ErrInvalidPragma is returned when a pragma cannot be parsed.
	ErrInvalidPragma = errors.New("invalid pragma")
)

// QuerySource tells where query text is loaded from.
type QuerySource string

const (
	SourceFiles    QuerySource = "files"    // <query_path>/q<N>.sql
	SourceEmbedded QuerySource = "embedded" // Smoke-test queries shipped with the binary
)

// Validate checks if the source is known.
func (s QuerySource) Validate() error {
	switch s {
	case SourceFiles, SourceEmbedded:
		return nil
	default:
		return fmt.Errorf("%w: unknown query source %q", ErrInvalidSelection, s)
	}
}

// RunnableQuery identifies one benchmark query to execute.
type RunnableQuery struct {
	ID        int    `json:"id"`
	Optimized bool   `json:"optimized"`
	Path      string `json:"path,omitempty"` // Empty for embedded queries
}

// Title returns the display title of the query.
func (r *RunnableQuery) Title(prefix string) string {
	title := fmt.Sprintf("%sq%d", prefix, r.ID)
	if r.Optimized {
		title += " (optimized)"
	}
	return title
}

// Name returns a short file-system friendly name, e.g. "q7" or "q7-opt".
func (r *RunnableQuery) Name() string {
	if r.Optimized {
		return fmt.Sprintf("q%d-opt", r.ID)
	}
	return fmt.Sprintf("q%d", r.ID)
}

// Selection describes which queries to run and how to build their text.
type Selection struct {
	Queries       []int       `json:"queries" yaml:"queries"`               // Empty selects all available queries
	Optimized     *bool       `json:"optimized" yaml:"optimized"`           // nil prefers optimized when present
	QueryPath     string      `json:"query_path" yaml:"query_path"`         // Directory with q<N>.sql
	OptimizedPath string      `json:"optimized_path" yaml:"optimized_path"` // Directory with optimized q<N>.sql
	Source        QuerySource `json:"query_source" yaml:"query_source"`
	PragmaAdd     []string    `json:"pragma_add" yaml:"pragma_add"`       // Key=Value
	PragmaFile    string      `json:"pragma_file" yaml:"pragma_file"`     // File with one pragma per line
	PragmaPreset  []string    `json:"pragma_preset" yaml:"pragma_preset"` // Named pragma bundles
}

// Validate validates the selection.
func (s *Selection) Validate() error {
	if err := s.Source.Validate(); err != nil {
		return err
	}
	for _, id := range s.Queries {
		if id <= 0 {
			return fmt.Errorf("%w: query number must be positive, got %d", ErrInvalidSelection, id)
		}
	}
	if s.Source == SourceFiles && s.QueryPath == "" {
		return fmt.Errorf("%w: query_path is required for source %q", ErrInvalidSelection, s.Source)
	}
	if s.Optimized != nil && *s.Optimized && s.Source == SourceFiles && s.OptimizedPath == "" {
		return fmt.Errorf("%w: optimized_path is required when optimized queries are requested", ErrInvalidSelection)
	}
	for _, p := range s.PragmaAdd {
		if _, err := ParsePragma(p); err != nil {
			return err
		}
	}
	return nil
}

// Pragma is a single engine pragma.
type Pragma struct {
	Key   string
	Value string
}

// ParsePragma parses "Key=Value". The value may be empty for flag pragmas.
func ParsePragma(s string) (Pragma, error) {
	key, value, _ := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t;\"") {
		return Pragma{}, fmt.Errorf("%w: %q", ErrInvalidPragma, s)
	}
	return Pragma{Key: key, Value: strings.TrimSpace(value)}, nil
}

// Statement renders the pragma as a YQL statement.
func (p Pragma) Statement() string {
	if p.Value == "" {
		return fmt.Sprintf("PRAGMA %s;", p.Key)
	}
	return fmt.Sprintf("PRAGMA %s = %q;", p.Key, p.Value)
}
