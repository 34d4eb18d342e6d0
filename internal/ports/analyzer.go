package ports

import (
	"context"

	"github.com/bnema/symstream/internal/domain"
)

// ProgressFunc receives a completion fraction in [0,1]. It must not block.
type ProgressFunc func(fraction float64)

// Analyzer runs the external statistical models over a symbol sequence.
// Errors wrapping domain.ErrPermanentAnalysis are never retried.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol, progress ProgressFunc) ([]domain.AnalysisResult, error)
}
