package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/engine"
)

var (
	accentColor  = lipgloss.Color("#5FAFAF")
	subtleColor  = lipgloss.Color("#666666")
	successColor = lipgloss.Color("#87AF87")
	warnColor    = lipgloss.Color("#D7AF5F")
	errorColor   = lipgloss.Color("#AF5F5F")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	subtleStyle = lipgloss.NewStyle().Foreground(subtleColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
)

const statusWidth = 11

// statusStyle colors a plan or step status.
func statusStyle(status string) lipgloss.Style {
	s := lipgloss.NewStyle().Width(statusWidth)
	switch status {
	case string(core.StepCompleted):
		return s.Foreground(successColor)
	case string(core.StepFailed):
		return s.Foreground(errorColor).Bold(true)
	case string(core.StepRunning), string(core.PlanInProgress):
		return s.Foreground(accentColor)
	case string(core.StepSkipped), string(core.StepCancelled):
		return s.Foreground(warnColor)
	default:
		return s.Foreground(subtleColor)
	}
}

func progressBar(p float64, width int) string {
	filled := int(p*float64(width) + 0.5)
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// renderSnapshot writes a plan header followed by one row per step.
func renderSnapshot(w io.Writer, snap *engine.PlanSnapshot) error {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(snap.Title), subtleStyle.Render(snap.PlanID))
	fmt.Fprintf(w, "%s %s %3.0f%%\n\n",
		statusStyle(string(snap.Status)).Render(string(snap.Status)),
		progressBar(snap.Progress, 20),
		snap.Progress*100,
	)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tTOOL\tATTEMPTS\tDETAIL")
	for _, s := range snap.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID,
			statusStyle(string(s.Status)).Render(string(s.Status)),
			orDash(s.Tool),
			s.Attempts,
			detail(s),
		)
	}
	return tw.Flush()
}

func detail(s engine.StepSnapshot) string {
	if s.Error != "" {
		return errorStyle.Render(truncate(s.Error, 60))
	}
	return truncate(s.Result, 60)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

// formatAge returns a human-readable relative time string.
func formatAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}
