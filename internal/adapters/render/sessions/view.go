package sessions

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

const barWidth = 24

type RenderOptions struct {
	Now time.Time
}

func renderView(o overview, s styles) string {
	lines := []string{
		s.title.Render("Symbol Sessions"),
		s.header.Render(fmt.Sprintf("sessions: %d (%d active)", len(o.rows), o.active)),
	}

	if len(o.rows) == 0 {
		lines = append(lines, s.empty.Render("No sessions recorded."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, row := range o.rows {
		lines = append(lines, s.section.Render(renderRow(row, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRow(row sessionRow, s styles) string {
	state := s.active.Render("active")
	if !row.active {
		state = s.ended.Render("ended " + row.ended)
	}

	parts := []string{
		lipgloss.JoinHorizontal(lipgloss.Top, s.session.Render(string(row.id)), " ", state),
		s.meta.Render("started " + row.started),
		progressLine(row, s),
		reachedLine(row.reached, s),
		jobLine(row.job, s),
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func progressLine(row sessionRow, s styles) string {
	label := s.key.Render(fmt.Sprintf("symbols: %d", row.count))
	if row.next == nil {
		return lipgloss.JoinHorizontal(lipgloss.Top, label, " ", s.reached.Render("all milestones reached"))
	}

	fraction := float64(row.count) / float64(row.next.Count)
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		label,
		" ",
		renderProgressBar(fraction, barWidth, s),
		" ",
		s.detail.Render(fmt.Sprintf("%d/%d to %s", row.count, row.next.Count, row.next.Name)),
	)
}

func reachedLine(reached []string, s styles) string {
	if len(reached) == 0 {
		return s.meta.Render("milestones: none reached")
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.meta.Render("milestones: "),
		s.reached.Render(strings.Join(reached, ", ")),
	)
}

func jobLine(job *domain.AnalysisJob, s styles) string {
	if job == nil {
		return s.detail.Render("analysis: none")
	}

	line := s.detail.Render(fmt.Sprintf("analysis: %s (%s, %d symbols, attempt %d/%d)",
		job.Status, job.ID, job.SymbolCount, job.Attempts, job.MaxAttempts))
	if job.Status == domain.JobFailed && job.LastError != "" {
		line += " " + s.warning.Render("["+job.LastError+"]")
	}

	return line
}

func renderProgressBar(fraction float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampFraction(fraction)))
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func formatRelative(at, now time.Time) string {
	if now.IsZero() {
		return at.UTC().Format(time.RFC3339)
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return plural(int(elapsed.Hours()), "hour") + " ago"
	default:
		return plural(int(elapsed.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
