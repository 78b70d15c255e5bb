package lrschedule

import (
	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/lipgloss"
)

var sparklineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

// Sparkline renders a per-epoch LR table as a terminal sparkline.
func Sparkline(values []float64, width, height int) string {
	if len(values) == 0 {
		return ""
	}
	if width <= 0 {
		width = len(values)
	}
	if height <= 0 {
		height = 4
	}
	spark := sparkline.New(width, height)
	spark.PushAll(values)
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}
