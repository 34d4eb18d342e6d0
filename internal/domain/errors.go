package domain

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrNoSession         = errors.New("no session bound to connection")
	ErrEmptyLedger       = errors.New("ledger is empty")
	ErrJobNotFound       = errors.New("analysis job not found")
	ErrJobInFlight       = errors.New("analysis job already in flight")
	ErrJobNotQueued      = errors.New("analysis job not queued")
	ErrStorage           = errors.New("storage failure")
	ErrTransientAnalysis = errors.New("transient analysis failure")
	ErrPermanentAnalysis = errors.New("permanent analysis failure")

	// ErrAnalysisNotStarted marks a milestone that was announced while its
	// analysis could not be enqueued.
	ErrAnalysisNotStarted = errors.New("milestone analysis not started")
)

// IsPermanentAnalysis reports whether an analyzer error must not be retried.
// Anything not explicitly permanent is treated as transient.
func IsPermanentAnalysis(err error) bool {
	return errors.Is(err, ErrPermanentAnalysis)
}
