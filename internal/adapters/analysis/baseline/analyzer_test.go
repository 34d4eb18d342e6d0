package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/bnema/symstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	name     string
	estimate Estimate
	err      error
}

func (m stubModel) Name() string { return m.name }

func (m stubModel) Run(context.Context, []domain.Symbol) (Estimate, error) {
	return m.estimate, m.err
}

func TestAnalyzeRunsDefaultModels(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var reported []float64
	results, err := New().Analyze(context.Background(), "s-1", []domain.Symbol{1, 2, 3, 4, 1}, func(f float64) {
		mu.Lock()
		reported = append(reported, f)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "frequency", results[0].Model)
	assert.Equal(t, "transition", results[1].Model)

	for _, r := range results {
		require.NoError(t, r.Validate())
		var distribution []float64
		require.NoError(t, json.Unmarshal(r.Prediction, &distribution))
		assert.Len(t, distribution, len(domain.Alphabet))
	}

	assert.ElementsMatch(t, []float64{0.5, 1}, reported)
	assert.Equal(t, []string{"frequency", "transition"}, New().ModelNames())
}

func TestAnalyzeClassifiesModelErrors(t *testing.T) {
	t.Parallel()

	transient := New(stubModel{name: "flaky", err: errors.New("boom")})
	_, err := transient.Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
	assert.ErrorIs(t, err, domain.ErrTransientAnalysis)

	permanent := New(stubModel{name: "strict", err: domain.ErrPermanentAnalysis})
	_, err = permanent.Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentAnalysis)
	assert.NotErrorIs(t, err, domain.ErrTransientAnalysis)
}

func TestAnalyzeRejectsUnusableInput(t *testing.T) {
	t.Parallel()

	_, err := New().Analyze(context.Background(), "s-1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentAnalysis)

	_, err = New().Analyze(context.Background(), "s-1", []domain.Symbol{1, 7}, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentAnalysis)
}

func TestAnalyzeClampsConfidence(t *testing.T) {
	t.Parallel()

	results, err := New(stubModel{name: "loud", estimate: Estimate{Distribution: []float64{1, 0, 0, 0}, Confidence: 3}}).
		Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, results[0].Confidence)
}

func TestFrequencyDetectsBias(t *testing.T) {
	t.Parallel()

	uniform := make([]domain.Symbol, 0, 40)
	for i := 0; i < 10; i++ {
		uniform = append(uniform, domain.Alphabet...)
	}
	estimate, err := Frequency{}.Run(context.Background(), uniform)
	require.NoError(t, err)
	assert.Equal(t, "uniform", estimate.Hypothesis)
	for _, p := range estimate.Distribution {
		assert.InDelta(t, 0.25, p, 1e-9)
	}

	biased := make([]domain.Symbol, 40)
	for i := range biased {
		biased[i] = domain.SymbolSpades
	}
	estimate, err = Frequency{}.Run(context.Background(), biased)
	require.NoError(t, err)
	assert.Contains(t, estimate.Hypothesis, "biased")
	assert.Greater(t, estimate.Distribution[3], 0.9)
}

func TestTransitionFollowsLastSymbol(t *testing.T) {
	t.Parallel()

	sequence := make([]domain.Symbol, 0, 20)
	for i := 0; i < 10; i++ {
		sequence = append(sequence, domain.SymbolHearts, domain.SymbolClubs)
	}
	sequence = append(sequence, domain.SymbolHearts)

	estimate, err := Transition{}.Run(context.Background(), sequence)
	require.NoError(t, err)
	assert.Greater(t, estimate.Distribution[2], 0.5)
	assert.Equal(t, "Clubs tends to follow Hearts", estimate.Hypothesis)
	assert.Greater(t, estimate.Confidence, 0.5)

	single, err := Transition{}.Run(context.Background(), []domain.Symbol{domain.SymbolHearts})
	require.NoError(t, err)
	assert.Zero(t, single.Confidence)
	assert.Empty(t, single.Hypothesis)
}

func TestModelsStopOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Frequency{}.Run(ctx, []domain.Symbol{1})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = Transition{}.Run(ctx, []domain.Symbol{1})
	assert.ErrorIs(t, err, context.Canceled)
}
