package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeParsesPredictions(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int{1, 2, 3, 4, 1}, req.Symbols)
		assert.Equal(t, "s-1", req.SessionID)
		assert.Equal(t, "all", req.AnalysisType)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"model_name":"LSTM","prediction":[0.25,0.25,0.25,0.25],"confidence":0.85,"possible_rng_seed":null},
			{"model_name":"Monte Carlo","prediction":[0.2,0.3,0.3,0.2],"confidence":0.75,"possible_rng_seed":"xorshift128+"}
		]`))
	}))
	t.Cleanup(server.Close)

	var reported []float64
	client := Client{BaseURL: server.URL, HTTPClient: server.Client()}
	results, err := client.Analyze(context.Background(), "s-1", []domain.Symbol{1, 2, 3, 4, 1}, func(f float64) {
		reported = append(reported, f)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "LSTM", results[0].Model)
	assert.InDelta(t, 0.85, results[0].Confidence, 1e-9)
	assert.JSONEq(t, `[0.25,0.25,0.25,0.25]`, string(results[0].Prediction))
	assert.Empty(t, results[0].Hypothesis)
	assert.Equal(t, "xorshift128+", results[1].Hypothesis)
	assert.Equal(t, []float64{1}, reported)
}

func TestAnalyzeClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantMsg string
	}{
		{name: "rejected input", status: http.StatusBadRequest, body: `{"detail":"Need at least 5 symbols for analysis"}`, wantErr: domain.ErrPermanentAnalysis, wantMsg: "Need at least 5 symbols"},
		{name: "validation error", status: http.StatusUnprocessableEntity, body: `{"detail":[{"msg":"field required"}]}`, wantErr: domain.ErrPermanentAnalysis, wantMsg: "field required"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: domain.ErrTransientAnalysis, wantMsg: "status 500"},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: domain.ErrTransientAnalysis},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: domain.ErrTransientAnalysis},
		{name: "malformed body", status: http.StatusOK, body: `{"not":"a list"}`, wantErr: domain.ErrPermanentAnalysis},
		{name: "no predictions", status: http.StatusOK, body: `[]`, wantErr: domain.ErrPermanentAnalysis, wantMsg: "no predictions"},
		{name: "null predictions", status: http.StatusOK, body: `null`, wantErr: domain.ErrPermanentAnalysis, wantMsg: "no predictions"},
		{name: "confidence out of range", status: http.StatusOK, body: `[{"model_name":"x","confidence":2}]`, wantErr: domain.ErrPermanentAnalysis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			client := Client{BaseURL: server.URL, HTTPClient: server.Client()}
			_, err := client.Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestAnalyzeNetworkFailureIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := Client{BaseURL: url}.Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientAnalysis)
}

func TestAnalyzeTimesOutWithoutCallerDeadline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(server.Close)

	client := Client{BaseURL: server.URL, HTTPClient: server.Client(), RequestTimeout: 20 * time.Millisecond}
	_, err := client.Analyze(context.Background(), "s-1", []domain.Symbol{1}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientAnalysis)
}

func TestAnalyzeRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := Client{BaseURL: "ftp://example.com"}.Analyze(context.Background(), "s-1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentAnalysis)

	_, err = Client{}.Analyze(context.Background(), "s-1", nil, nil)
	assert.ErrorIs(t, err, domain.ErrPermanentAnalysis)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	t.Cleanup(server.Close)

	client := Client{BaseURL: server.URL, HTTPClient: server.Client()}
	require.NoError(t, client.Health(context.Background()))

	healthy.Store(false)
	require.Error(t, client.Health(context.Background()))
}
