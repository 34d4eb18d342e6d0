package baseline

import (
	"context"
	"fmt"
	"math"

	"github.com/bnema/symstream/internal/domain"
)

// chiSquareCritical is the 5% critical value for three degrees of freedom.
const chiSquareCritical = 7.815

type Frequency struct{}

func (Frequency) Name() string { return "frequency" }

// Run estimates the next symbol from overall symbol frequencies and tests the
// counts against a uniform source.
func (Frequency) Run(ctx context.Context, symbols []domain.Symbol) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	counts := make([]float64, len(domain.Alphabet))
	for _, s := range symbols {
		counts[index(s)]++
	}

	n := float64(len(symbols))
	expected := n / float64(len(domain.Alphabet))
	chi := 0.0
	for _, c := range counts {
		chi += (c - expected) * (c - expected) / expected
	}

	hypothesis := "uniform"
	if chi > chiSquareCritical {
		hypothesis = fmt.Sprintf("biased (chi2=%.2f)", chi)
	}

	return Estimate{
		Distribution: smooth(counts),
		Confidence:   1 - 1/math.Sqrt(n+1),
		Hypothesis:   hypothesis,
	}, nil
}

type Transition struct{}

func (Transition) Name() string { return "transition" }

// Run estimates the next symbol from first-order transitions out of the
// most recent symbol.
func (Transition) Run(ctx context.Context, symbols []domain.Symbol) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	size := len(domain.Alphabet)
	matrix := make([][]float64, size)
	for i := range matrix {
		matrix[i] = make([]float64, size)
	}
	for i := 1; i < len(symbols); i++ {
		matrix[index(symbols[i-1])][index(symbols[i])]++
	}

	last := symbols[len(symbols)-1]
	row := matrix[index(last)]
	observed := 0.0
	for _, c := range row {
		observed += c
	}

	distribution := smooth(row)
	hypothesis := ""
	for i, p := range distribution {
		if p > 0.5 && observed >= float64(size) {
			hypothesis = fmt.Sprintf("%s tends to follow %s", domain.Alphabet[i].Name(), last.Name())
		}
	}

	return Estimate{
		Distribution: distribution,
		Confidence:   observed / (observed + float64(size)),
		Hypothesis:   hypothesis,
	}, nil
}

// smooth applies add-one smoothing so unseen symbols keep some mass.
func smooth(counts []float64) []float64 {
	total := 0.0
	for _, c := range counts {
		total += c + 1
	}

	out := make([]float64, len(counts))
	for i, c := range counts {
		out[i] = (c + 1) / total
	}

	return out
}

func index(s domain.Symbol) int {
	return int(s) - int(domain.SymbolHearts)
}
