package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	sessionsrender "github.com/bnema/symstream/internal/adapters/render/sessions"
	"github.com/bnema/symstream/internal/domain"
	"github.com/spf13/cobra"
)

type sessionOutput struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Count         int            `json:"count"`
	Thresholds    map[string]int `json:"thresholds"`
	Notified      []string       `json:"notified"`
	NextMilestone string         `json:"next_milestone,omitempty"`
	LatestJob     *jobOutput     `json:"latest_job,omitempty"`
}

type jobOutput struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SymbolCount int       `json:"symbol_count"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with their progress toward the next milestone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			summaries, err := app.sessions.List(cmd.Context())
			if err != nil {
				return err
			}

			return writeSessionsOutput(cmd, app, summaries, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print sessions as JSON")

	return cmd
}

func writeSessionsOutput(cmd *cobra.Command, app *app, summaries []domain.SessionSummary, asJSON bool) error {
	if asJSON {
		out := make([]sessionOutput, 0, len(summaries))
		for _, summary := range summaries {
			out = append(out, toSessionOutput(summary))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	rendered, err := app.sessionsRender(summaries, sessionsrender.RenderOptions{Now: app.now()})
	if err != nil {
		return fmt.Errorf("render sessions: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

func toSessionOutput(summary domain.SessionSummary) sessionOutput {
	session := summary.Session

	out := sessionOutput{
		ID:         string(session.ID),
		CreatedAt:  session.CreatedAt,
		EndedAt:    session.EndedAt,
		Count:      summary.Count,
		Thresholds: session.Thresholds.Counts(),
		Notified:   []string{},
	}
	for _, m := range session.Thresholds {
		if _, ok := session.Notified[m.Name]; ok {
			out.Notified = append(out.Notified, m.Name)
		}
	}
	if next, ok := domain.NextMilestone(summary.Count, session.Thresholds); ok {
		out.NextMilestone = next.Name
	}
	if job := summary.LatestJob; job != nil {
		out.LatestJob = &jobOutput{
			ID:          string(job.ID),
			Status:      string(job.Status),
			SymbolCount: job.SymbolCount,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			UpdatedAt:   job.UpdatedAt,
		}
	}

	return out
}
