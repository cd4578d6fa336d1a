// Package workload resolves benchmark query selections into runnable queries
// and builds their text from query files or the embedded smoke set.
package workload

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/whhaicheng/QTBench/internal/domain/execution"
	"github.com/whhaicheng/QTBench/internal/domain/workload"
)

//go:embed queries
var embeddedFS embed.FS

var (
	// ErrQueryNotFound is returned when a selected query has no file.
	ErrQueryNotFound = errors.New("query file not found")

	// ErrNotResolved is returned when BuildQuery is called before Resolve.
	ErrNotResolved = errors.New("selection not resolved")
)

var queryFileRe = regexp.MustCompile(`^q(\d+)\.sql$`)

// source is one directory of q<N>.sql files.
type source struct {
	fsys fs.FS
	root string // Printable location, empty for embedded
}

func (s *source) ids() ([]int, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list queries in %s: %w", s.location(), err)
	}
	var ids []int
	for _, e := range entries {
		m := queryFileRe.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *source) has(id int) bool {
	_, err := fs.Stat(s.fsys, fileName(id))
	return err == nil
}

func (s *source) path(id int) string {
	if s.root == "" {
		return ""
	}
	return filepath.Join(s.root, fileName(id))
}

func (s *source) location() string {
	if s.root == "" {
		return "embedded queries"
	}
	return s.root
}

func fileName(id int) string {
	return fmt.Sprintf("q%d.sql", id)
}

// Resolver implements usecase.QueryResolver.
type Resolver struct {
	mu        sync.Mutex
	plain     *source
	optimized *source  // nil when no optimized source is configured
	pragmas   []string // Rendered PRAGMA statements
	resolved  bool
}

// NewResolver creates a new resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve validates sel, loads its pragmas and returns the runnable queries
// ordered by query number.
func (r *Resolver) Resolve(ctx context.Context, sel workload.Selection) ([]*workload.RunnableQuery, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	plain, optimized, err := openSources(sel)
	if err != nil {
		return nil, err
	}

	pragmas, err := LoadPragmas(sel)
	if err != nil {
		return nil, err
	}

	ids := sel.Queries
	if len(ids) == 0 {
		all := plain
		if sel.Optimized != nil && *sel.Optimized {
			all = optimized
		}
		if ids, err = all.ids(); err != nil {
			return nil, err
		}
	}

	runnables := make([]*workload.RunnableQuery, 0, len(ids))
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		rq, err := pick(id, sel.Optimized, plain, optimized)
		if err != nil {
			return nil, err
		}
		runnables = append(runnables, rq)
	}
	if len(runnables) == 0 {
		return nil, fmt.Errorf("%w: no queries found in %s", workload.ErrInvalidSelection, plain.location())
	}

	r.mu.Lock()
	r.plain = plain
	r.optimized = optimized
	r.pragmas = pragmas
	r.resolved = true
	r.mu.Unlock()

	slog.DebugContext(ctx, "Workload: resolved selection",
		"source", sel.Source,
		"queries", len(runnables),
		"pragmas", len(pragmas))
	return runnables, nil
}

// pick chooses between the plain and the optimized variant of query id.
func pick(id int, optimized *bool, plain, opt *source) (*workload.RunnableQuery, error) {
	hasOpt := opt != nil && opt.has(id)

	switch {
	case optimized == nil && hasOpt:
		return &workload.RunnableQuery{ID: id, Optimized: true, Path: opt.path(id)}, nil
	case optimized != nil && *optimized:
		if !hasOpt {
			return nil, fmt.Errorf("%w: optimized q%d", ErrQueryNotFound, id)
		}
		return &workload.RunnableQuery{ID: id, Optimized: true, Path: opt.path(id)}, nil
	}

	if !plain.has(id) {
		return nil, fmt.Errorf("%w: q%d in %s", ErrQueryNotFound, id, plain.location())
	}
	return &workload.RunnableQuery{ID: id, Path: plain.path(id)}, nil
}

func openSources(sel workload.Selection) (plain, optimized *source, err error) {
	switch sel.Source {
	case workload.SourceEmbedded:
		plainFS, err := fs.Sub(embeddedFS, "queries/plain")
		if err != nil {
			return nil, nil, fmt.Errorf("open embedded queries: %w", err)
		}
		optFS, err := fs.Sub(embeddedFS, "queries/optimized")
		if err != nil {
			return nil, nil, fmt.Errorf("open embedded queries: %w", err)
		}
		return &source{fsys: plainFS}, &source{fsys: optFS}, nil

	default:
		plain = &source{fsys: os.DirFS(sel.QueryPath), root: sel.QueryPath}
		if sel.OptimizedPath != "" {
			optimized = &source{fsys: os.DirFS(sel.OptimizedPath), root: sel.OptimizedPath}
		}
		return plain, optimized, nil
	}
}

// BuildQuery reads the text of rq and prepends the resolved pragmas.
func (r *Resolver) BuildQuery(ctx context.Context, rq *workload.RunnableQuery) (*execution.Query, error) {
	r.mu.Lock()
	plain, optimized, pragmas, resolved := r.plain, r.optimized, r.pragmas, r.resolved
	r.mu.Unlock()

	if !resolved {
		return nil, ErrNotResolved
	}

	src := plain
	if rq.Optimized {
		if optimized == nil {
			return nil, fmt.Errorf("%w: optimized q%d", ErrQueryNotFound, rq.ID)
		}
		src = optimized
	}

	body, err := fs.ReadFile(src.fsys, fileName(rq.ID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: q%d in %s", ErrQueryNotFound, rq.ID, src.location())
		}
		return nil, fmt.Errorf("read q%d: %w", rq.ID, err)
	}

	return &execution.Query{Text: renderQuery(pragmas, string(body))}, nil
}

func renderQuery(pragmas []string, body string) string {
	if len(pragmas) == 0 {
		return body
	}
	var b strings.Builder
	for _, p := range pragmas {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(body)
	return b.String()
}
