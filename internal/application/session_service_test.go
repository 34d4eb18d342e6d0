package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSessionServiceCreateUsesDefaults(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	clock := newFakeClock(testEpoch)
	service := NewSessionService(repo, nil, nil, nil, clock)

	repo.EXPECT().Create(mockAnyContext(), mock.MatchedBy(func(s domain.Session) bool {
		return s.ID != "" && s.CreatedAt.Equal(testEpoch) && s.Active() && len(s.Thresholds) == 3
	})).Return(nil)

	session, err := service.Create(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultThresholds(), session.Thresholds)
	assert.Empty(t, session.Notified)
}

func TestSessionServiceCreateNormalizesThresholds(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	repo.EXPECT().Create(mockAnyContext(), mock.Anything).Return(nil)

	supplied := domain.Thresholds{
		{Name: " late ", Count: 30, Analyze: true},
		{Name: "early", Count: 3},
	}
	session, err := service.Create(context.Background(), supplied)
	require.NoError(t, err)

	assert.Equal(t, domain.Thresholds{
		{Name: "early", Count: 3},
		{Name: "late", Count: 30, Analyze: true},
	}, session.Thresholds)
	assert.Equal(t, " late ", supplied[0].Name, "caller slice must not be mutated")
}

func TestSessionServiceCreateRejectsInvalidThresholds(t *testing.T) {
	tests := []struct {
		name       string
		thresholds domain.Thresholds
	}{
		{name: "duplicate", thresholds: domain.Thresholds{{Name: "a", Count: 1}, {Name: "a", Count: 2}}},
		{name: "zero count", thresholds: domain.Thresholds{{Name: "a", Count: 0}}},
		{name: "blank name", thresholds: domain.Thresholds{{Name: "  ", Count: 4}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := mocks.NewMockSessionRepository(t)
			service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

			_, err := service.Create(context.Background(), tc.thresholds)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestSessionServiceCreateWrapsRepositoryError(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	diskErr := errors.New("disk full")
	repo.EXPECT().Create(mockAnyContext(), mock.Anything).Return(diskErr)

	_, err := service.Create(context.Background(), nil)
	require.ErrorIs(t, err, diskErr)
	assert.Contains(t, err.Error(), "create session")
}

func TestSessionServiceGetActiveRejectsEndedSession(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	endedAt := testEpoch.Add(time.Minute)
	repo.EXPECT().GetByID(mockAnyContext(), domain.SessionID("s-1")).Return(domain.Session{
		ID:      "s-1",
		EndedAt: &endedAt,
	}, nil)

	_, err := service.GetActive(context.Background(), "s-1")
	require.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestSessionServiceGetActivePropagatesNotFound(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	repo.EXPECT().GetByID(mockAnyContext(), domain.SessionID("missing")).Return(domain.Session{}, domain.ErrSessionNotFound)

	_, err := service.GetActive(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionServiceEndIsIdempotent(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	repo.EXPECT().End(mockAnyContext(), domain.SessionID("s-1"), testEpoch).Return(true, nil).Once()
	repo.EXPECT().End(mockAnyContext(), domain.SessionID("s-1"), testEpoch).Return(false, nil).Once()
	repo.EXPECT().End(mockAnyContext(), domain.SessionID("missing"), testEpoch).Return(false, domain.ErrSessionNotFound)

	require.NoError(t, service.End(context.Background(), "s-1"))
	require.NoError(t, service.End(context.Background(), "s-1"))
	require.NoError(t, service.End(context.Background(), "missing"))
}

func TestSessionServiceEndWrapsStorageError(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	repo.EXPECT().End(mockAnyContext(), domain.SessionID("s-1"), mock.Anything).Return(false, domain.ErrStorage)

	err := service.End(context.Background(), "s-1")
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestSessionServiceMarkMilestoneNotified(t *testing.T) {
	repo := mocks.NewMockSessionRepository(t)
	service := NewSessionService(repo, nil, nil, nil, newFakeClock(testEpoch))

	repo.EXPECT().MarkMilestoneNotified(mockAnyContext(), domain.SessionID("s-1"), "basic", testEpoch).Return(true, nil).Once()
	repo.EXPECT().MarkMilestoneNotified(mockAnyContext(), domain.SessionID("s-1"), "basic", testEpoch).Return(false, nil).Once()

	marked, err := service.MarkMilestoneNotified(context.Background(), "s-1", "basic")
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = service.MarkMilestoneNotified(context.Background(), "s-1", "basic")
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestSessionServiceListSummaries(t *testing.T) {
	env := newTestEnv(t, nil, DefaultDispatcherConfig())
	ctx := context.Background()

	first, err := env.sessions.Create(ctx, nil)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := env.sessions.Create(ctx, nil)
	require.NoError(t, err)

	_, err = env.store.Ledger().AppendBatch(ctx, first.ID, []domain.Symbol{1, 2, 3})
	require.NoError(t, err)
	_, err = env.store.Jobs().Enqueue(ctx, first.ID, 3, 3, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, env.sessions.End(ctx, second.ID))

	summaries, err := env.sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[domain.SessionID]domain.SessionSummary{}
	for _, summary := range summaries {
		byID[summary.Session.ID] = summary
	}

	assert.Equal(t, 3, byID[first.ID].Count)
	require.NotNil(t, byID[first.ID].LatestJob)
	assert.Equal(t, domain.JobQueued, byID[first.ID].LatestJob.Status)
	assert.Equal(t, 0, byID[second.ID].Count)
	assert.Nil(t, byID[second.ID].LatestJob)
	assert.False(t, byID[second.ID].Session.Active())
}
