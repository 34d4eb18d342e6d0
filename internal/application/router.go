package application

import (
	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/protocol"
	"go.uber.org/zap"
)

var _ ports.JobObserver = (*Router)(nil)

// Router pushes job notifications to whichever connection currently owns
// the session. Nothing is buffered for disconnected sessions.
type Router struct {
	directory ports.ConnectionDirectory
	clock     ports.Clock
	logger    *zap.Logger
}

func NewRouter(directory ports.ConnectionDirectory, clock ports.Clock, logger *zap.Logger) *Router {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Router{directory: directory, clock: clock, logger: logger}
}

func (r *Router) JobStarted(job domain.AnalysisJob) {
	r.deliver(job, protocol.AnalysisStarted{
		JobID:       job.ID,
		SymbolCount: job.SymbolCount,
		FollowUp:    true,
	})
}

func (r *Router) JobProgress(job domain.AnalysisJob, fraction float64) {
	r.deliver(job, protocol.AnalysisProgress{JobID: job.ID, Progress: clampFraction(fraction)})
}

func (r *Router) JobCompleted(job domain.AnalysisJob, results []domain.AnalysisResult) {
	r.deliver(job, protocol.AnalysisResults{
		JobID:       job.ID,
		SymbolCount: job.SymbolCount,
		Results:     protocol.ResultsFrom(results),
	})
}

func (r *Router) JobFailed(job domain.AnalysisJob, err error) {
	r.deliver(job, protocol.AnalysisFailed{
		JobID:    job.ID,
		Attempts: job.Attempts,
		Error:    protocol.AnalysisErrorFrom(err, r.clock.Now()),
	})
}

func (r *Router) deliver(job domain.AnalysisJob, msg protocol.Outbound) {
	conn, ok := r.directory.Lookup(job.SessionID)
	if !ok {
		r.logger.Debug("no connection for session, dropping message",
			zap.String("session_id", string(job.SessionID)),
			zap.String("type", string(msg.OutboundType())),
		)
		return
	}

	if err := conn.Send(msg); err != nil {
		r.logger.Debug("send to connection failed",
			zap.String("session_id", string(job.SessionID)),
			zap.String("connection_id", conn.ID()),
			zap.String("type", string(msg.OutboundType())),
			zap.Error(err),
		)
	}
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
