package protocol

import (
	"encoding/json"
	"time"

	"github.com/bnema/symstream/internal/domain"
)

type Outbound interface {
	OutboundType() MessageType
}

type SessionStarted struct {
	SessionID  domain.SessionID `json:"session_id"`
	Resumed    bool             `json:"resumed"`
	Count      int              `json:"count"`
	Thresholds map[string]int   `json:"thresholds"`
	Notified   []string         `json:"notified,omitempty"`
}

type SymbolAccepted struct {
	Position int `json:"position"`
	Accepted int `json:"accepted"`
	Count    int `json:"count"`
}

type UndoAck struct {
	RemovedPosition int           `json:"removed_position"`
	RemovedSymbol   domain.Symbol `json:"removed_symbol"`
	Count           int           `json:"count"`
}

type MilestoneReached struct {
	Milestone string `json:"milestone"`
	Threshold int    `json:"threshold"`
	Count     int    `json:"count"`
}

type AnalysisStarted struct {
	JobID       domain.JobID `json:"job_id"`
	SymbolCount int          `json:"symbol_count"`
	FollowUp    bool         `json:"follow_up,omitempty"`
}

type AnalysisProgress struct {
	JobID    domain.JobID `json:"job_id"`
	Progress float64      `json:"progress"`
}

type Result struct {
	Model      string          `json:"model"`
	Confidence float64         `json:"confidence"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Hypothesis string          `json:"hypothesis,omitempty"`
}

type AnalysisResults struct {
	JobID       domain.JobID `json:"job_id"`
	SymbolCount int          `json:"symbol_count"`
	Results     []Result     `json:"results"`
}

type AnalysisFailed struct {
	JobID    domain.JobID `json:"job_id"`
	Attempts int          `json:"attempts"`
	Error    Error        `json:"error"`
}

type SessionEnded struct {
	SessionID domain.SessionID `json:"session_id"`
	Count     int              `json:"count"`
}

type Error struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

func (SessionStarted) OutboundType() MessageType   { return TypeSessionStarted }
func (SymbolAccepted) OutboundType() MessageType   { return TypeSymbolAccepted }
func (UndoAck) OutboundType() MessageType          { return TypeUndoAck }
func (MilestoneReached) OutboundType() MessageType { return TypeMilestoneReached }
func (AnalysisStarted) OutboundType() MessageType  { return TypeAnalysisStarted }
func (AnalysisProgress) OutboundType() MessageType { return TypeAnalysisProgress }
func (AnalysisResults) OutboundType() MessageType  { return TypeAnalysisResults }
func (AnalysisFailed) OutboundType() MessageType   { return TypeAnalysisFailed }
func (SessionEnded) OutboundType() MessageType     { return TypeSessionEnded }
func (Error) OutboundType() MessageType            { return TypeError }

func ResultsFrom(results []domain.AnalysisResult) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, Result{
			Model:      r.Model,
			Confidence: r.Confidence,
			Prediction: r.Prediction,
			Hypothesis: r.Hypothesis,
		})
	}

	return out
}
