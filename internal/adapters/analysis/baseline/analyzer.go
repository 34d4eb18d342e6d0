// Package baseline runs lightweight in-process models over a symbol
// sequence. It backs the analysis queue when no remote service is configured.
package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"golang.org/x/sync/errgroup"
)

var _ ports.Analyzer = (*Analyzer)(nil)

type Model interface {
	Name() string
	Run(ctx context.Context, symbols []domain.Symbol) (Estimate, error)
}

// Estimate is one model's output: a distribution over the next symbol,
// ordered like domain.Alphabet.
type Estimate struct {
	Distribution []float64
	Confidence   float64
	Hypothesis   string
}

type Analyzer struct {
	models []Model
	now    func() time.Time
}

func New(models ...Model) *Analyzer {
	if len(models) == 0 {
		models = []Model{Frequency{}, Transition{}}
	}

	return &Analyzer{models: models, now: time.Now}
}

// ModelNames lists the models in result order.
func (a *Analyzer) ModelNames() []string {
	names := make([]string, 0, len(a.models))
	for _, m := range a.models {
		names = append(names, m.Name())
	}

	return names
}

// Analyze runs every model concurrently and reports progress as each one
// finishes. Results keep model order.
func (a *Analyzer) Analyze(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol, progress ports.ProgressFunc) ([]domain.AnalysisResult, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: session %s has no symbols", domain.ErrPermanentAnalysis, sessionID)
	}
	for _, s := range symbols {
		if err := domain.ValidateSymbol(s); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPermanentAnalysis, err)
		}
	}

	results := make([]domain.AnalysisResult, len(a.models))
	var mu sync.Mutex
	done := 0

	eg, egCtx := errgroup.WithContext(ctx)
	for i, model := range a.models {
		eg.Go(func() error {
			estimate, err := model.Run(egCtx, symbols)
			if err != nil {
				return fmt.Errorf("model %s: %w", model.Name(), err)
			}

			prediction, err := json.Marshal(estimate.Distribution)
			if err != nil {
				return fmt.Errorf("%w: encode %s prediction: %v", domain.ErrPermanentAnalysis, model.Name(), err)
			}

			results[i] = domain.AnalysisResult{
				Model:      model.Name(),
				Confidence: clamp(estimate.Confidence),
				Prediction: prediction,
				Hypothesis: estimate.Hypothesis,
				CreatedAt:  a.now().UTC(),
			}

			mu.Lock()
			done++
			fraction := float64(done) / float64(len(a.models))
			mu.Unlock()
			if progress != nil {
				progress(fraction)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		if domain.IsPermanentAnalysis(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrTransientAnalysis, err)
	}

	return results, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
