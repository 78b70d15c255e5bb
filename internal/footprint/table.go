package footprint

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Table renders the report metrics as a two-column terminal table for the
// [RESULTS] output.
func Table(r *Report) string {
	m := r.Metrics()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("metric", "value").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, k := range names {
		t.Row(k, fmt.Sprintf("%.3f", m[k]))
	}
	return t.String()
}
