package sessions

import (
	"fmt"
	"io"

	"github.com/bnema/symstream/internal/domain"
	tea "github.com/charmbracelet/bubbletea"
)

// sessionRow is one session reduced to what the overview prints.
type sessionRow struct {
	id      domain.SessionID
	active  bool
	started string
	ended   string
	count   int
	next    *domain.Milestone
	reached []string
	job     *domain.AnalysisJob
}

type overview struct {
	rows   []sessionRow
	active int
}

type overviewMsg overview

func summarize(summaries []domain.SessionSummary, opts RenderOptions) overview {
	out := overview{rows: make([]sessionRow, 0, len(summaries))}

	for _, summary := range summaries {
		session := summary.Session
		row := sessionRow{
			id:      session.ID,
			active:  session.Active(),
			started: formatRelative(session.CreatedAt, opts.Now),
			count:   summary.Count,
			job:     summary.LatestJob,
		}
		if row.active {
			out.active++
		} else {
			row.ended = formatRelative(*session.EndedAt, opts.Now)
		}
		if next, ok := domain.NextMilestone(summary.Count, session.Thresholds); ok {
			row.next = &next
		}
		for _, m := range session.Thresholds {
			if _, ok := session.Notified[m.Name]; ok {
				row.reached = append(row.reached, m.Name)
			}
		}

		out.rows = append(out.rows, row)
	}

	return out
}

type model struct {
	summaries []domain.SessionSummary
	opts      RenderOptions
	styles    styles
	overview  overview
	ready     bool
}

func (m model) Init() tea.Cmd {
	summaries, opts := m.summaries, m.opts
	return func() tea.Msg {
		return overviewMsg(summarize(summaries, opts))
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(overviewMsg); ok {
		m.overview = overview(msg)
		m.ready = true
		return m, tea.Quit
	}

	return m, nil
}

func (m model) View() string {
	if !m.ready {
		return ""
	}

	return renderView(m.overview, m.styles)
}

// Render draws the session overview and returns the final frame.
func Render(summaries []domain.SessionSummary, opts RenderOptions) (string, error) {
	final, err := tea.NewProgram(
		model{summaries: summaries, opts: opts, styles: newStyles()},
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	).Run()
	if err != nil {
		return "", fmt.Errorf("render sessions: %w", err)
	}

	rendered, ok := final.(model)
	if !ok {
		return "", fmt.Errorf("render sessions: unexpected model %T", final)
	}

	return rendered.View(), nil
}
