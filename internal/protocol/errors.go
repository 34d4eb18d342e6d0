package protocol

import (
	"errors"
	"time"

	"github.com/bnema/symstream/internal/domain"
)

const (
	CodeValidation       = "validation_error"
	CodeUnknownMessage   = "unknown_message"
	CodeSessionNotFound  = "session_not_found"
	CodeSessionClosed    = "session_closed"
	CodeNoSession        = "no_session"
	CodeEmptyLedger      = "empty_ledger"
	CodeAnalysisInFlight = "analysis_in_flight"
	CodeAnalysisFailed   = "analysis_failed"
	CodeAnalysisPending  = "analysis_not_started"
	CodeOperationFailed  = "operation_failed"
)

// ErrorFrom maps an error to its wire form. Storage and unclassified errors
// collapse to a generic operation_failed so internals never leak.
func ErrorFrom(err error, now time.Time) Error {
	e := Error{Timestamp: now.UTC(), Message: err.Error()}

	switch {
	case errors.Is(err, domain.ErrAnalysisNotStarted):
		e.Code = CodeAnalysisPending
		e.Message = "milestone reached but analysis did not start; send REQUEST_ANALYSIS"
		e.Retryable = true
	case errors.Is(err, ErrUnknownMessage):
		e.Code = CodeUnknownMessage
	case errors.Is(err, domain.ErrValidation):
		e.Code = CodeValidation
	case errors.Is(err, domain.ErrSessionNotFound):
		e.Code = CodeSessionNotFound
	case errors.Is(err, domain.ErrSessionClosed):
		e.Code = CodeSessionClosed
	case errors.Is(err, domain.ErrNoSession):
		e.Code = CodeNoSession
	case errors.Is(err, domain.ErrEmptyLedger):
		e.Code = CodeEmptyLedger
	case errors.Is(err, domain.ErrJobInFlight):
		e.Code = CodeAnalysisInFlight
		e.Retryable = true
	default:
		e.Code = CodeOperationFailed
		e.Message = "operation failed"
		e.Retryable = true
	}

	return e
}

// AnalysisErrorFrom describes a terminal analysis failure.
func AnalysisErrorFrom(err error, now time.Time) Error {
	return Error{
		Code:      CodeAnalysisFailed,
		Message:   err.Error(),
		Timestamp: now.UTC(),
		Retryable: !domain.IsPermanentAnalysis(err),
	}
}
