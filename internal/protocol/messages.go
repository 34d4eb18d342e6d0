// Package protocol defines the JSON messages exchanged with clients over the
// live connection. Every frame is an envelope {"type": ..., "payload": ...};
// inbound frames are decoded into one concrete type per message kind and
// validated before they reach the orchestrator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/symstream/internal/domain"
)

type MessageType string

const (
	TypeStartSession    MessageType = "START_SESSION"
	TypeResumeSession   MessageType = "RESUME_SESSION"
	TypeSubmitSymbol    MessageType = "SUBMIT_SYMBOL"
	TypeSubmitBatch     MessageType = "SUBMIT_BATCH"
	TypeUndo            MessageType = "UNDO"
	TypeRequestAnalysis MessageType = "REQUEST_ANALYSIS"
	TypeEndSession      MessageType = "END_SESSION"

	TypeSessionStarted   MessageType = "SESSION_STARTED"
	TypeSymbolAccepted   MessageType = "SYMBOL_ACCEPTED"
	TypeUndoAck          MessageType = "UNDO_ACK"
	TypeMilestoneReached MessageType = "MILESTONE_REACHED"
	TypeAnalysisStarted  MessageType = "ANALYSIS_STARTED"
	TypeAnalysisProgress MessageType = "ANALYSIS_PROGRESS"
	TypeAnalysisResults  MessageType = "ANALYSIS_RESULTS"
	TypeAnalysisFailed   MessageType = "ANALYSIS_FAILED"
	TypeSessionEnded     MessageType = "SESSION_ENDED"
	TypeError            MessageType = "ERROR"
)

// MaxBatchSize bounds SUBMIT_BATCH payloads.
const MaxBatchSize = 1000

var ErrUnknownMessage = errors.New("unknown message type")

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Inbound interface {
	InboundType() MessageType
}

type StartSession struct {
	Thresholds map[string]int `json:"thresholds,omitempty"`
}

type ResumeSession struct {
	SessionID domain.SessionID `json:"session_id"`
}

type SubmitSymbol struct {
	Symbol domain.Symbol `json:"symbol"`
}

type SubmitBatch struct {
	Symbols []domain.Symbol `json:"symbols"`
}

type Undo struct{}

type RequestAnalysis struct{}

type EndSession struct{}

func (StartSession) InboundType() MessageType    { return TypeStartSession }
func (ResumeSession) InboundType() MessageType   { return TypeResumeSession }
func (SubmitSymbol) InboundType() MessageType    { return TypeSubmitSymbol }
func (SubmitBatch) InboundType() MessageType     { return TypeSubmitBatch }
func (Undo) InboundType() MessageType            { return TypeUndo }
func (RequestAnalysis) InboundType() MessageType { return TypeRequestAnalysis }
func (EndSession) InboundType() MessageType      { return TypeEndSession }

// Decode parses and validates one inbound frame. Malformed frames wrap
// domain.ErrValidation; unrecognised types wrap ErrUnknownMessage.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", domain.ErrValidation, err)
	}

	switch env.Type {
	case TypeStartSession:
		var msg StartSession
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if len(msg.Thresholds) > 0 {
			if err := domain.ThresholdsFromCounts(msg.Thresholds).Validate(); err != nil {
				return nil, err
			}
		}
		return msg, nil
	case TypeResumeSession:
		var msg ResumeSession
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = domain.SessionID(strings.TrimSpace(string(msg.SessionID)))
		if msg.SessionID == "" {
			return nil, fmt.Errorf("%w: session_id is required", domain.ErrValidation)
		}
		return msg, nil
	case TypeSubmitSymbol:
		var msg SubmitSymbol
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if err := domain.ValidateSymbol(msg.Symbol); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSubmitBatch:
		var msg SubmitBatch
		if err := decodePayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		if len(msg.Symbols) == 0 {
			return nil, fmt.Errorf("%w: symbols must not be empty", domain.ErrValidation)
		}
		if len(msg.Symbols) > MaxBatchSize {
			return nil, fmt.Errorf("%w: batch of %d exceeds %d symbols", domain.ErrValidation, len(msg.Symbols), MaxBatchSize)
		}
		for _, symbol := range msg.Symbols {
			if err := domain.ValidateSymbol(symbol); err != nil {
				return nil, err
			}
		}
		return msg, nil
	case TypeUndo:
		return Undo{}, nil
	case TypeRequestAnalysis:
		return RequestAnalysis{}, nil
	case TypeEndSession:
		return EndSession{}, nil
	case "":
		return nil, fmt.Errorf("%w: type is required", domain.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", domain.ErrValidation, err)
	}

	return nil
}

// Encode wraps msg in its typed envelope.
func Encode(msg Outbound) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.OutboundType(), err)
	}

	data, err := json.Marshal(envelope{Type: msg.OutboundType(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msg.OutboundType(), err)
	}

	return data, nil
}
