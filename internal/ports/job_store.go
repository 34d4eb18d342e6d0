package ports

import (
	"context"
	"time"

	"github.com/bnema/symstream/internal/domain"
)

// JobStore is the durable side of the analysis queue. It refuses a second
// in-flight job per session with domain.ErrJobInFlight.
type JobStore interface {
	Enqueue(ctx context.Context, sessionID domain.SessionID, symbolCount, maxAttempts int, at time.Time) (domain.AnalysisJob, error)
	Get(ctx context.Context, id domain.JobID) (domain.AnalysisJob, error)
	InFlight(ctx context.Context, sessionID domain.SessionID) (domain.AnalysisJob, bool, error)
	Latest(ctx context.Context, sessionID domain.SessionID) (domain.AnalysisJob, bool, error)
	// Claim moves a queued job to running and counts the attempt. It fails
	// with domain.ErrJobNotQueued when another worker already holds it.
	Claim(ctx context.Context, id domain.JobID, symbolCount int, at time.Time) (domain.AnalysisJob, error)
	Retry(ctx context.Context, id domain.JobID, lastErr string, nextAttemptAt time.Time) error
	// Complete saves the results and finishes the job atomically.
	Complete(ctx context.Context, id domain.JobID, results []domain.AnalysisResult, at time.Time) error
	Fail(ctx context.Context, id domain.JobID, lastErr string, at time.Time) error
	RequestFollowUp(ctx context.Context, id domain.JobID) error
	Due(ctx context.Context, now time.Time) ([]domain.AnalysisJob, error)
	// Recover returns running jobs left behind by a previous process to
	// the queue.
	Recover(ctx context.Context, at time.Time) (int, error)
}

type ResultStore interface {
	ListResults(ctx context.Context, sessionID domain.SessionID) ([]domain.AnalysisResult, error)
}
