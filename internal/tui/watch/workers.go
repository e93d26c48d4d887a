package watch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/jmswain/foreman/internal/worker"
)

// workerRows converts descriptors into table rows.
func workerRows(workers []worker.Descriptor) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, table.Row{
			shorten(w.ID, 10),
			shorten(w.JobID, 16),
			strconv.Itoa(w.Port),
			string(w.State),
			strconv.Itoa(w.PID),
			formatMemory(w),
			formatAge(w.StartedAt),
		})
	}
	return rows
}

// renderEventLog draws recent lifecycle events, newest first.
func (m Model) renderEventLog() string {
	var b strings.Builder

	shown := m.eventLog
	limit := 8
	if m.height > 30 {
		limit = 14
	}
	if len(shown) > limit {
		shown = shown[:limit]
	}

	if len(shown) == 0 {
		b.WriteString(m.theme.Dim.Render("  no events yet"))
	}
	for _, rec := range shown {
		b.WriteString(fmt.Sprintf("  %s %s %s\n",
			m.theme.Dim.Render(rec.At.Local().Format("15:04:05")),
			m.styleKind(rec.Kind),
			shorten(rec.WorkerID, 10),
		))
	}

	return m.theme.Border.Width(m.width - 6).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Events"),
			b.String(),
		),
	)
}

func (m Model) styleKind(kind string) string {
	padded := fmt.Sprintf("%-21s", kind)
	switch kind {
	case "worker:ready":
		return m.theme.StateRunning.Render(padded)
	case "worker:error":
		return m.theme.StateError.Render(padded)
	case "worker:exit":
		return m.theme.StateStopping.Render(padded)
	default:
		return padded
	}
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatMemory(w worker.Descriptor) string {
	if w.Stats == nil || w.Stats.MemoryBytes == 0 {
		return "-"
	}
	mb := float64(w.Stats.MemoryBytes) / (1024 * 1024)
	return fmt.Sprintf("%.1fMB", mb)
}

func formatAge(start time.Time) string {
	age := time.Since(start).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return age.String()
}
