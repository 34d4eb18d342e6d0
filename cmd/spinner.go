package cmd

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type checkStage int

const (
	stageHealth checkStage = iota
	stageAnalyze
)

type (
	checkStageMsg    checkStage
	checkProgressMsg float64
	checkDoneMsg     struct{ err error }
)

// checkReporter forwards the stages of an analyzer check and the analyzer's
// progress to whoever displays them. The zero value discards everything.
type checkReporter struct {
	send func(tea.Msg)
}

func (r checkReporter) Stage(stage checkStage) {
	if r.send != nil {
		r.send(checkStageMsg(stage))
	}
}

func (r checkReporter) Progress(fraction float64) {
	if r.send != nil {
		r.send(checkProgressMsg(fraction))
	}
}

// checkModel spins while an analyzer check runs and labels it with the
// current stage. models is zero when the analyzer does not say how many
// models it runs; progress is then shown as a percentage.
type checkModel struct {
	spinner  spinner.Model
	run      tea.Cmd
	models   int
	stage    checkStage
	fraction float64
	err      error
	done     bool
}

func newCheckModel(first checkStage, models int, run tea.Cmd) checkModel {
	return checkModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
		),
		run:    run,
		models: models,
		stage:  first,
	}
}

func (m checkModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.run)
}

func (m checkModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case checkStageMsg:
		m.stage = checkStage(msg)
		m.fraction = 0
	case checkProgressMsg:
		if f := float64(msg); f > m.fraction {
			m.fraction = math.Min(f, 1)
		}
	case checkDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m checkModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s %s", m.spinner.View(), m.label())
}

func (m checkModel) label() string {
	if m.stage == stageHealth {
		return "Checking analysis service health..."
	}

	label := "Running sample analysis..."
	switch {
	case m.models > 0:
		label += fmt.Sprintf(" %d/%d models", int(math.Round(m.fraction*float64(m.models))), m.models)
	case m.fraction > 0:
		label += fmt.Sprintf(" %d%%", int(math.Round(m.fraction*100)))
	}

	return label
}

// runCheckWithSpinner runs check while output shows its progress.
func runCheckWithSpinner(ctx context.Context, output io.Writer, first checkStage, models int, check func(context.Context, checkReporter) error) error {
	var p *tea.Program
	reporter := checkReporter{send: func(msg tea.Msg) { p.Send(msg) }}

	p = tea.NewProgram(
		newCheckModel(first, models, func() tea.Msg {
			return checkDoneMsg{err: check(ctx, reporter)}
		}),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("run analyzer check: %w", err)
	}

	result, ok := final.(checkModel)
	if !ok {
		return fmt.Errorf("run analyzer check: unexpected model %T", final)
	}

	return result.err
}
