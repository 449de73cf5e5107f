package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

var (
	subtleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	headerStyle    = lipgloss.NewStyle().Bold(true)
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787"))
	cancelledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD787"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#54A0FF"))
)

func statusStyle(s coordinator.Status) lipgloss.Style {
	switch s {
	case coordinator.StatusCompleted:
		return completedStyle
	case coordinator.StatusFailed:
		return failedStyle
	case coordinator.StatusCancelled:
		return cancelledStyle
	case coordinator.StatusRunning:
		return runningStyle
	}
	return subtleStyle
}

// formatEvent renders one lifecycle event as a status line.
func formatEvent(ev coordinator.Event) string {
	var b strings.Builder
	b.WriteString(subtleStyle.Render(ev.Timestamp.Format("15:04:05")))
	b.WriteString(" ")
	b.WriteString(shortID(ev.PipelineID))
	b.WriteString(" ")

	switch ev.Type {
	case coordinator.EventStageStarted, coordinator.EventStageCompleted:
		b.WriteString(string(ev.Type))
		b.WriteString(" ")
		b.WriteString(headerStyle.Render(string(ev.Stage)))
	case coordinator.EventPipelineCompleted, coordinator.EventPipelineFailed, coordinator.EventPipelineCancelled:
		b.WriteString(statusStyle(ev.Status).Render(string(ev.Type)))
		if ev.Error != "" {
			b.WriteString(": ")
			b.WriteString(ev.Error)
		}
	default:
		b.WriteString(string(ev.Type))
	}
	return b.String()
}

// renderHistory draws archived pipelines as a table.
func renderHistory(snaps []coordinator.Snapshot) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(subtleStyle).
		Headers("PIPELINE", "STATUS", "STAGE", "STARTED", "DURATION", "DATE RANGE", "ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Bold(true)
			}
			if col == 1 && row >= 0 && row < len(snaps) {
				return base.Inherit(statusStyle(snaps[row].Status))
			}
			return base
		})

	for _, s := range snaps {
		t.Row(
			shortID(s.ID),
			string(s.Status),
			string(s.CurrentStage),
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatSeconds(s.ElapsedSeconds),
			s.DateRange.Start+" .. "+s.DateRange.End,
			truncate(s.ErrorMessage, 48),
		)
	}
	return t.String()
}

// renderCounts summarises archive totals on one line.
func renderCounts(counts map[coordinator.Status]int) string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		st := coordinator.Status(s)
		parts = append(parts, statusStyle(st).Render(s)+"="+strconv.Itoa(counts[st]))
	}
	return strings.Join(parts, "  ")
}

// renderSnapshot prints a finished pipeline with per-stage progress.
func renderSnapshot(s coordinator.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("pipeline"), s.ID)
	fmt.Fprintf(&b, "  status:   %s\n", statusStyle(s.Status).Render(string(s.Status)))
	fmt.Fprintf(&b, "  range:    %s .. %s\n", s.DateRange.Start, s.DateRange.End)
	fmt.Fprintf(&b, "  tables:   %s\n", strings.Join(s.Tables, ", "))
	fmt.Fprintf(&b, "  duration: %s\n", formatSeconds(s.ElapsedSeconds))
	if s.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error:    %s\n", failedStyle.Render(s.ErrorMessage))
	}
	for _, stage := range coordinator.Stages() {
		mark := subtleStyle.Render("·")
		if s.StageProgress[stage] {
			mark = completedStyle.Render("✓")
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, stage)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
