package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bnema/symstream/internal/domain"
	"github.com/spf13/cobra"
)

// checkSequence is long enough for the remote service's minimum and touches
// every symbol.
var checkSequence = []domain.Symbol{1, 2, 3, 4, 1, 2, 3, 4}

type analyzerCheckOutput struct {
	Analyzer string         `json:"analyzer"`
	Endpoint string         `json:"endpoint,omitempty"`
	Models   []resultOutput `json:"models"`
}

func newAnalyzerCmd(opts *rootOptions) *cobra.Command {
	analyzerCmd := &cobra.Command{
		Use:   "analyzer",
		Short: "Inspect the configured analyzer",
	}
	analyzerCmd.AddCommand(newAnalyzerCheckCmd(opts))

	return analyzerCmd
}

func newAnalyzerCheckCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the analyzer once over a fixed sample sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			out := analyzerCheckOutput{Analyzer: "baseline"}
			if app.remote != nil {
				out.Analyzer = "remote"
				out.Endpoint = app.remote.BaseURL
			}

			var results []domain.AnalysisResult
			check := func(ctx context.Context, report checkReporter) error {
				sample, err := checkAnalyzer(ctx, app, report)
				results = sample
				return err
			}

			first, models := stageAnalyze, 0
			if app.remote != nil {
				first = stageHealth
			}
			if lister, ok := app.analyzer.(modelLister); ok {
				models = len(lister.ModelNames())
			}

			if asJSON {
				err = check(cmd.Context(), checkReporter{})
			} else {
				err = runCheckWithSpinner(cmd.Context(), cmd.ErrOrStderr(), first, models, check)
			}
			if err != nil {
				return err
			}

			out.Models = toResultOutputs(results)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			header := fmt.Sprintf("analyzer: %s", out.Analyzer)
			if out.Endpoint != "" {
				header += " (" + out.Endpoint + ")"
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), header); err != nil {
				return err
			}
			return writeResultLines(cmd.OutOrStdout(), out.Models)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the check result as JSON")

	return cmd
}

type modelLister interface {
	ModelNames() []string
}

// checkAnalyzer checks the remote service health when one is configured, then runs
// the sample sequence through the analyzer.
func checkAnalyzer(ctx context.Context, app *app, report checkReporter) ([]domain.AnalysisResult, error) {
	if app.remote != nil {
		report.Stage(stageHealth)
		if err := app.remote.Health(ctx); err != nil {
			return nil, fmt.Errorf("check analysis service: %w", err)
		}
	}

	report.Stage(stageAnalyze)
	results, err := app.analyzer.Analyze(ctx, "analyzer-check", checkSequence, report.Progress)
	if err != nil {
		return nil, fmt.Errorf("run sample analysis: %w", err)
	}

	return results, nil
}
