package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"github.com/google/uuid"
)

type SessionService struct {
	sessions ports.SessionRepository
	ledger   ports.SymbolLedger
	jobs     ports.JobStore
	defaults domain.Thresholds
	clock    ports.Clock
}

func NewSessionService(sessions ports.SessionRepository, ledger ports.SymbolLedger, jobs ports.JobStore, defaults domain.Thresholds, clock ports.Clock) *SessionService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if len(defaults) == 0 {
		defaults = domain.DefaultThresholds()
	}

	return &SessionService{
		sessions: sessions,
		ledger:   ledger,
		jobs:     jobs,
		defaults: defaults,
		clock:    clock,
	}
}

// Create starts a session with the supplied thresholds, or the configured
// defaults when none are given.
func (s *SessionService) Create(ctx context.Context, thresholds domain.Thresholds) (domain.Session, error) {
	if len(thresholds) == 0 {
		thresholds = s.defaults
	}
	thresholds = append(domain.Thresholds(nil), thresholds...)
	thresholds.Normalize()
	if err := thresholds.Validate(); err != nil {
		return domain.Session{}, err
	}

	session := domain.Session{
		ID:         domain.SessionID(uuid.NewString()),
		CreatedAt:  s.clock.Now().UTC(),
		Thresholds: thresholds,
		Notified:   map[string]time.Time{},
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}

	return session, nil
}

func (s *SessionService) GetActive(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if !session.Active() {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionClosed, id)
	}

	return session, nil
}

// End closes the session. Ending an unknown or already ended session is a
// no-op.
func (s *SessionService) End(ctx context.Context, id domain.SessionID) error {
	if _, err := s.sessions.End(ctx, id, s.clock.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("end session: %w", err)
	}

	return nil
}

func (s *SessionService) MarkMilestoneNotified(ctx context.Context, id domain.SessionID, name string) (bool, error) {
	marked, err := s.sessions.MarkMilestoneNotified(ctx, id, name, s.clock.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark milestone %s: %w", name, err)
	}

	return marked, nil
}

func (s *SessionService) List(ctx context.Context) ([]domain.SessionSummary, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]domain.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		count, err := s.ledger.Count(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("count symbols for %s: %w", session.ID, err)
		}

		summary := domain.SessionSummary{Session: session, Count: count}
		if s.jobs != nil {
			job, ok, err := s.jobs.Latest(ctx, session.ID)
			if err != nil {
				return nil, fmt.Errorf("latest job for %s: %w", session.ID, err)
			}
			if ok {
				summary.LatestJob = &job
			}
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}
