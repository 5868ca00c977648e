package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// HealthState tracks fleet health from /healthz polling.
type HealthState struct {
	Status        string
	FleetID       string
	UptimeSeconds int64
	WorkersLive   int
	WorkersTotal  int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, connecting string, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = connecting + " " + theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := "-"
	if health.UptimeSeconds > 0 {
		uptime = humanize.RelTime(time.Now().Add(-time.Duration(health.UptimeSeconds)*time.Second), time.Now(), "", "")
		uptime = strings.TrimSpace(uptime)
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = humanize.Time(activity.LastEvent())
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" HYDRA WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	fleetID := health.FleetID
	if len(fleetID) > 8 {
		fleetID = fleetID[:8]
	}
	statsLine := fmt.Sprintf(" %s  up %s  Workers: %d/%d  Fleet: %s",
		statusText, uptime, health.WorkersLive, health.WorkersTotal, fleetID)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}
