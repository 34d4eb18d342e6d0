package ports

import (
	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/protocol"
)

// Connection is the push side of one live client connection. Send queues
// the message and never blocks on the network.
type Connection interface {
	ID() string
	Send(msg protocol.Outbound) error
}

type ConnectionDirectory interface {
	Bind(sessionID domain.SessionID, conn Connection)
	// Unbind removes the entry only while it still refers to conn.
	Unbind(sessionID domain.SessionID, conn Connection)
	Lookup(sessionID domain.SessionID) (Connection, bool)
}

// JobObserver receives lifecycle notifications from the analysis queue.
type JobObserver interface {
	// JobStarted announces a job the queue enqueued on its own, such as a
	// follow-up run.
	JobStarted(job domain.AnalysisJob)
	JobProgress(job domain.AnalysisJob, fraction float64)
	JobCompleted(job domain.AnalysisJob, results []domain.AnalysisResult)
	JobFailed(job domain.AnalysisJob, err error)
}
