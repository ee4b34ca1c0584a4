package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"ember/internal/observ"
	"ember/internal/vm"
)

// printRunStats renders the runtime counters and collector totals as two
// boxed sections.
func printRunStats(out io.Writer, stats vm.RunStats, color bool) {
	if out == nil {
		return
	}
	runtimeBox := statsBox("runtime", stats.Rows(), color)
	gcBox := statsBox("gc", stats.GC.Rows(), color)
	fmt.Fprintln(out, lipgloss.JoinHorizontal(lipgloss.Top, runtimeBox, " ", gcBox))
}

func statsBox(title string, rows [][2]string, color bool) string {
	titleStyle := lipgloss.NewStyle().Bold(true)
	labelStyle := lipgloss.NewStyle()
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if color {
		titleStyle = titleStyle.Foreground(lipgloss.Color("6"))
		labelStyle = labelStyle.Foreground(lipgloss.Color("7"))
		box = box.BorderForeground(lipgloss.Color("8"))
	}

	width := 0
	for _, r := range rows {
		width = max(width, runewidth.StringWidth(r[0]))
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, titleStyle.Render(title))
	for _, r := range rows {
		label := runewidth.FillRight(r[0], width)
		lines = append(lines, labelStyle.Render(label)+"  "+r[1])
	}
	return box.Render(strings.Join(lines, "\n"))
}

func printTimings(out io.Writer, report observ.Report) {
	if out == nil {
		return
	}
	for _, p := range report.Phases {
		fmt.Fprintf(out, "%s %.1f ms\n", p.Name, p.DurationMS)
	}
}
