package ports

import (
	"context"
	"time"

	"github.com/bnema/symstream/internal/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	GetByID(ctx context.Context, id domain.SessionID) (domain.Session, error)
	// End sets the end time if the session is still active and reports
	// whether this call ended it.
	End(ctx context.Context, id domain.SessionID, at time.Time) (bool, error)
	// MarkMilestoneNotified records name for the session and reports
	// whether this call was the one that recorded it.
	MarkMilestoneNotified(ctx context.Context, id domain.SessionID, name string, at time.Time) (bool, error)
	List(ctx context.Context) ([]domain.Session, error)
}
