package report

import (
	"fmt"
	"strings"
)

// ChartGenerator generates text-based charts for reports.
type ChartGenerator struct{}

// NewChartGenerator creates a new chart generator.
func NewChartGenerator() *ChartGenerator {
	return &ChartGenerator{}
}

// GenerateBarChart draws one horizontal bar per label, scaled to the largest
// value. unit is appended to every value.
func (g *ChartGenerator) GenerateBarChart(labels []string, values []float64, width int, unit string) string {
	if len(labels) != len(values) || len(labels) == 0 {
		return ""
	}

	max := 0.0
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	maxLabelLen := 0
	for _, l := range labels {
		if n := len([]rune(l)); n > maxLabelLen {
			maxLabelLen = n
		}
	}

	barWidth := width - maxLabelLen - 12
	if barWidth < 10 {
		barWidth = 10
	}

	var sb strings.Builder
	for i, label := range labels {
		barLength := int(values[i] / max * float64(barWidth))
		bar := strings.Repeat("█", barLength) + strings.Repeat(" ", barWidth-barLength)
		fmt.Fprintf(&sb, "%*s │%s %.1f%s\n", maxLabelLen, label, bar, values[i], unit)
	}
	return sb.String()
}
