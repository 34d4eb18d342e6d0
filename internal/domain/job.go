package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobID string

func NewJobID(sessionID SessionID, seq int) JobID {
	return JobID(fmt.Sprintf("%s#%d", sessionID, seq))
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

func (s JobStatus) InFlight() bool {
	return s == JobQueued || s == JobRunning
}

type AnalysisJob struct {
	ID            JobID
	SessionID     SessionID
	Seq           int
	SymbolCount   int
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	FollowUp      bool
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (j AnalysisJob) AttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

type AnalysisResult struct {
	Model      string
	Confidence float64
	Prediction json.RawMessage
	Hypothesis string
	CreatedAt  time.Time
}

func (r AnalysisResult) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}

	return nil
}

// BackoffDelay returns base doubled once per attempt already made,
// so attempt 1 waits base, attempt 2 waits 2*base and so on.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > time.Hour {
			return delay
		}
		delay *= 2
	}

	return delay
}
