package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MarkdownGenerator generates Markdown launch reports.
type MarkdownGenerator struct {
	chartGen   *ChartGenerator
	chartWidth int
}

// NewMarkdownGenerator creates a new Markdown generator.
func NewMarkdownGenerator() *MarkdownGenerator {
	return &MarkdownGenerator{
		chartGen:   NewChartGenerator(),
		chartWidth: 72,
	}
}

// Format returns the format this generator produces.
func (g *MarkdownGenerator) Format() Format {
	return FormatMarkdown
}

// Generate generates a Markdown report.
func (g *MarkdownGenerator) Generate(r *LaunchReport) ([]byte, error) {
	if r == nil || r.Launch == nil {
		return nil, fmt.Errorf("validation failed: launch is required")
	}

	var sb strings.Builder
	g.writeTitle(&sb, r)
	g.writeSummary(&sb, r)
	g.writeArguments(&sb, r)
	g.writeQueries(&sb, r)
	g.writeChart(&sb, r)
	g.writeErrors(&sb, r)
	g.writeFooter(&sb, r)
	return []byte(sb.String()), nil
}

func (g *MarkdownGenerator) writeTitle(sb *strings.Builder, r *LaunchReport) {
	fmt.Fprintf(sb, "# Launch %s\n\n", r.Launch.ID)
}

func (g *MarkdownGenerator) writeSummary(sb *strings.Builder, r *LaunchReport) {
	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(sb, "- **Status**: %s\n", r.Launch.Status)
	fmt.Fprintf(sb, "- **Started**: %s\n", r.Launch.StartedAt.Format(time.RFC3339))
	if r.Launch.FinishedAt != nil {
		fmt.Fprintf(sb, "- **Finished**: %s\n", r.Launch.FinishedAt.Format(time.RFC3339))
		fmt.Fprintf(sb, "- **Duration**: %s\n", r.Duration().Round(time.Second))
	}
	fmt.Fprintf(sb, "- **Queries**: %d\n", len(r.Queries))

	counts := r.StateCounts()
	states := make([]string, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(sb, "  - %s: %d\n", s, counts[s])
	}
	sb.WriteString("\n")
}

func (g *MarkdownGenerator) writeArguments(sb *strings.Builder, r *LaunchReport) {
	if len(r.Arguments) == 0 {
		return
	}

	keys := make([]string, 0, len(r.Arguments))
	for k := range r.Arguments {
		if k == "runnables" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("## Arguments\n\n")
	sb.WriteString("| Argument | Value |\n")
	sb.WriteString("|----------|-------|\n")
	for _, k := range keys {
		fmt.Fprintf(sb, "| %s | `%v` |\n", k, r.Arguments[k])
	}
	sb.WriteString("\n")
}

func (g *MarkdownGenerator) writeQueries(sb *strings.Builder, r *LaunchReport) {
	sb.WriteString("## Queries\n\n")
	if len(r.Queries) == 0 {
		sb.WriteString("*No queries recorded*\n\n")
		return
	}

	sb.WriteString("| # | Title | Query ID | State | Duration | Rows |\n")
	sb.WriteString("|---|-------|----------|-------|----------|------|\n")
	for _, q := range r.Queries {
		state := q.State
		if q.Failed() {
			state = "error"
		}
		rows := "-"
		if q.RowCount != nil {
			rows = fmt.Sprint(*q.RowCount)
		}
		fmt.Fprintf(sb, "| %d | %s | `%s` | %s | %s | %s |\n",
			q.Index, escapeCell(q.Title), q.QueryID, state, q.Duration.Round(time.Millisecond), rows)
	}
	sb.WriteString("\n")
}

func (g *MarkdownGenerator) writeChart(sb *strings.Builder, r *LaunchReport) {
	var labels []string
	var values []float64
	for _, q := range r.Queries {
		if q.Duration <= 0 {
			continue
		}
		labels = append(labels, q.Title)
		values = append(values, q.Duration.Seconds())
	}
	chart := g.chartGen.GenerateBarChart(labels, values, g.chartWidth, "s")
	if chart == "" {
		return
	}
	sb.WriteString("## Durations\n\n```\n")
	sb.WriteString(chart)
	sb.WriteString("```\n\n")
}

func (g *MarkdownGenerator) writeErrors(sb *strings.Builder, r *LaunchReport) {
	var failed []*QueryReport
	for _, q := range r.Queries {
		if q.Failed() {
			failed = append(failed, q)
		}
	}
	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Errors\n\n")
	for _, q := range failed {
		fmt.Fprintf(sb, "### %s\n\n```\n%s\n```\n\n", q.Title, strings.TrimSpace(q.Error))
	}
}

func (g *MarkdownGenerator) writeFooter(sb *strings.Builder, r *LaunchReport) {
	sb.WriteString("---\n\n")
	fmt.Fprintf(sb, "*Generated by qtbench at %s*\n", r.GeneratedAt.Format(time.RFC3339))
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
