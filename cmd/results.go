package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/spf13/cobra"
)

type resultOutput struct {
	Model      string          `json:"model"`
	Confidence float64         `json:"confidence"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func newResultsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <session-id>",
		Short: "Show stored analysis results for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := wireApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			results, err := app.store.Results().ListResults(cmd.Context(), domain.SessionID(args[0]))
			if err != nil {
				return fmt.Errorf("list results: %w", err)
			}

			out := toResultOutputs(results)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if len(out) == 0 {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "no analysis results for session %s\n", args[0])
				return err
			}
			return writeResultLines(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")

	return cmd
}

func toResultOutputs(results []domain.AnalysisResult) []resultOutput {
	out := make([]resultOutput, 0, len(results))
	for _, r := range results {
		out = append(out, resultOutput{
			Model:      r.Model,
			Confidence: r.Confidence,
			Prediction: r.Prediction,
			Hypothesis: r.Hypothesis,
			CreatedAt:  r.CreatedAt,
		})
	}

	return out
}

func writeResultLines(w io.Writer, results []resultOutput) error {
	for _, r := range results {
		line := fmt.Sprintf("%-12s confidence %.2f", r.Model, r.Confidence)
		if len(r.Prediction) > 0 {
			line += " prediction " + string(r.Prediction)
		}
		if r.Hypothesis != "" {
			line += " hypothesis " + r.Hypothesis
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}
