package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/hydra/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.WorkerSpawned, events.FrontendStarted:
		typeStyle = theme.StatusOK
	case events.WorkerExited, events.FrontendStopped:
		typeStyle = theme.StatusFailed
	case events.ShardRestarted:
		typeStyle = theme.StatusRunning
	case events.ShardOutcome:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

// extractEventDesc summarizes the payload fields the runtime publishes.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if idx, ok := data["index"].(float64); ok {
		parts = append(parts, fmt.Sprintf("[w%d]", int(idx)))
	}
	if id, ok := data["shard_id"].(float64); ok {
		parts = append(parts, fmt.Sprintf("[s%d]", int(id)))
	}
	if pid, ok := data["pid"].(float64); ok {
		parts = append(parts, fmt.Sprintf("pid=%d", int(pid)))
	}
	if outcome, ok := data["outcome"].(string); ok {
		parts = append(parts, outcome)
	}
	if code, ok := data["code"].(float64); ok {
		parts = append(parts, fmt.Sprintf("code=%d", int(code)))
	}
	if line, ok := data["line"].(string); ok {
		if len(line) > 60 {
			line = line[:60] + "..."
		}
		parts = append(parts, line)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
