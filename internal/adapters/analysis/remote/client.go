// Package remote calls the statistical analysis service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
)

const (
	analyzePath         = "/analyze"
	healthPath          = "/health"
	analysisTypeAll     = "all"
	maxResponseBytes    = 1 << 20
	defaultRequestLimit = 30 * time.Second
)

var _ ports.Analyzer = Client{}

type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

type analyzeRequest struct {
	Symbols      []int  `json:"symbols"`
	SessionID    string `json:"session_id"`
	AnalysisType string `json:"analysis_type"`
}

type predictionResponse struct {
	ModelName       string          `json:"model_name"`
	Prediction      json.RawMessage `json:"prediction"`
	Confidence      float64         `json:"confidence"`
	PossibleRNGSeed *string         `json:"possible_rng_seed"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Analyze posts the sequence to the service. Rejections (4xx) and malformed
// responses are permanent; server errors and network faults are transient.
func (c Client) Analyze(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol, progress ports.ProgressFunc) ([]domain.AnalysisResult, error) {
	endpoint, err := buildAPIURL(c.BaseURL, analyzePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPermanentAnalysis, err)
	}

	payload := analyzeRequest{
		Symbols:      make([]int, 0, len(symbols)),
		SessionID:    string(sessionID),
		AnalysisType: analysisTypeAll,
	}
	for _, symbol := range symbols {
		payload.Symbols = append(payload.Symbols, int(symbol))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode analyze request: %v", domain.ErrPermanentAnalysis, err)
	}

	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create analyze request: %v", domain.ErrPermanentAnalysis, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request analysis: %w", domain.ErrTransientAnalysis, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: request analysis: %s", domain.ErrTransientAnalysis, decodeError(resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: request analysis: %s", domain.ErrTransientAnalysis, decodeError(resp))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return nil, fmt.Errorf("%w: request analysis: %s", domain.ErrPermanentAnalysis, decodeError(resp))
	}

	var predictions []predictionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&predictions); err != nil {
		return nil, fmt.Errorf("%w: decode analyze response: %v", domain.ErrPermanentAnalysis, err)
	}
	if len(predictions) == 0 {
		return nil, fmt.Errorf("%w: analyze response has no predictions", domain.ErrPermanentAnalysis)
	}

	now := time.Now().UTC()
	results := make([]domain.AnalysisResult, 0, len(predictions))
	for _, p := range predictions {
		result := domain.AnalysisResult{
			Model:      p.ModelName,
			Confidence: p.Confidence,
			Prediction: p.Prediction,
			CreatedAt:  now,
		}
		if p.PossibleRNGSeed != nil {
			result.Hypothesis = *p.PossibleRNGSeed
		}
		if err := result.Validate(); err != nil {
			return nil, fmt.Errorf("%w: analyze response: %v", domain.ErrPermanentAnalysis, err)
		}
		results = append(results, result)
	}

	if progress != nil {
		progress(1)
	}

	return results, nil
}

// Health reports whether the analysis service answers its health check.
func (c Client) Health(ctx context.Context) error {
	endpoint, err := buildAPIURL(c.BaseURL, healthPath)
	if err != nil {
		return err
	}

	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("request health: %s", decodeError(resp))
	}

	return nil
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestLimit
	}

	return context.WithTimeout(ctx, timeout)
}

func decodeError(resp *http.Response) string {
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil || len(body.Detail) == 0 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, detail)
	}

	return fmt.Sprintf("status %d: %s", resp.StatusCode, string(body.Detail))
}

func buildAPIURL(baseURL string, path string) (string, error) {
	if baseURL == "" {
		return "", errors.New("analysis endpoint is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse analysis endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("analysis endpoint must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("analysis endpoint host is required")
	}

	return parsed.JoinPath(path).String(), nil
}
