package watch

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hydra/internal/api"
)

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 3},
			{Title: "PID", Width: 8},
			{Title: "State", Width: 9},
			{Title: "RSS", Width: 10},
			{Title: "CPU", Width: 7},
			{Title: "Up", Width: 16},
			{Title: "Exit", Width: 5},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func workerRows(workers []api.WorkerResponse) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		rss, cpu, up, exit := "-", "-", "-", "-"
		if w.RSS != "" {
			rss = w.RSS
			cpu = fmt.Sprintf("%.1f%%", w.CPUPercent)
		}
		if w.Uptime != "" {
			up = w.Uptime
		}
		if w.State == "exited" {
			exit = strconv.Itoa(w.ExitCode)
		}
		rows = append(rows, table.Row{
			strconv.Itoa(w.Index),
			strconv.Itoa(w.Pid),
			w.State,
			rss,
			cpu,
			up,
			exit,
		})
	}
	return rows
}

func renderWorkers(t table.Model, workers []api.WorkerResponse, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render("WORKERS")
	if len(workers) == 0 {
		return theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, theme.Dim.Render("  No workers reported yet")),
		)
	}

	var summary []string
	for _, w := range workers {
		summary = append(summary, theme.stateStyle(w.State).Render(fmt.Sprintf("●%d", w.Index)))
	}
	line := lipgloss.JoinHorizontal(lipgloss.Left, summary...)

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, " "+line, t.View()),
	)
}
