package application

import (
	"context"
	"fmt"
	"testing"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/ports/mocks"
	"github.com/bnema/symstream/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorFirstMilestoneTriggersAnalysis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	analyzer := mocks.NewMockAnalyzer(t)
	env := newTestEnv(t, analyzer, DispatcherConfig{})
	handler, conn := env.connect("c1")

	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))
	sessionID := handler.SessionID()
	require.NotEmpty(t, sessionID)

	for _, symbol := range []int{1, 2, 3, 4} {
		handler.Handle(ctx, []byte(fmt.Sprintf(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":%d}}`, symbol)))
	}
	assert.Empty(t, messagesOf[protocol.MilestoneReached](conn))

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":1}}`))

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeSessionStarted,
		protocol.TypeSymbolAccepted,
		protocol.TypeSymbolAccepted,
		protocol.TypeSymbolAccepted,
		protocol.TypeSymbolAccepted,
		protocol.TypeSymbolAccepted,
		protocol.TypeMilestoneReached,
		protocol.TypeAnalysisStarted,
	}, conn.Types())

	accepted := lastOf[protocol.SymbolAccepted](t, conn)
	assert.Equal(t, protocol.SymbolAccepted{Position: 5, Accepted: 1, Count: 5}, accepted)
	assert.Equal(t, protocol.MilestoneReached{Milestone: "basic", Threshold: 5, Count: 5}, lastOf[protocol.MilestoneReached](t, conn))

	analysis := lastOf[protocol.AnalysisStarted](t, conn)
	assert.Equal(t, domain.NewJobID(sessionID, 1), analysis.JobID)
	assert.Equal(t, 5, analysis.SymbolCount)
	assert.False(t, analysis.FollowUp)

	analyzer.EXPECT().Analyze(mockAnyContext(), sessionID, []domain.Symbol{1, 2, 3, 4, 1}, mock.Anything).Return(sampleResults, nil).Once()
	env.runDispatcher(t)

	require.Eventually(t, func() bool {
		return len(messagesOf[protocol.AnalysisResults](conn)) == 1
	}, waitFor, tick)
}

func TestOrchestratorBatchCrossesMilestonesInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")

	handler.Handle(ctx, []byte(`{"type":"START_SESSION","payload":{"thresholds":{"second":3,"first":2,"later":10}}}`))
	started := lastOf[protocol.SessionStarted](t, conn)
	assert.Equal(t, map[string]int{"first": 2, "second": 3, "later": 10}, started.Thresholds)

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[4,4,2]}}`))

	assert.Equal(t, protocol.SymbolAccepted{Position: 3, Accepted: 3, Count: 3}, lastOf[protocol.SymbolAccepted](t, conn))
	reached := messagesOf[protocol.MilestoneReached](conn)
	require.Len(t, reached, 2)
	assert.Equal(t, "first", reached[0].Milestone)
	assert.Equal(t, "second", reached[1].Milestone)
	assert.Len(t, messagesOf[protocol.AnalysisStarted](conn), 1)
}

func TestOrchestratorRejectsInvalidBatchWithoutMutation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")
	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[1,2,9]}}`))

	assert.Equal(t, protocol.CodeValidation, lastOf[protocol.Error](t, conn).Code)
	count, err := env.store.Ledger().Count(ctx, handler.SessionID())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOrchestratorUndo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")
	handler.Handle(ctx, []byte(`{"type":"START_SESSION","payload":{"thresholds":{"basic":2}}}`))

	handler.Handle(ctx, []byte(`{"type":"UNDO"}`))
	empty := lastOf[protocol.Error](t, conn)
	assert.Equal(t, protocol.CodeEmptyLedger, empty.Code)
	assert.False(t, empty.Retryable)

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[1,3]}}`))
	handler.Handle(ctx, []byte(`{"type":"UNDO"}`))
	assert.Equal(t, protocol.UndoAck{RemovedPosition: 2, RemovedSymbol: domain.SymbolClubs, Count: 1}, lastOf[protocol.UndoAck](t, conn))

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":2}}`))
	assert.Equal(t, protocol.SymbolAccepted{Position: 2, Accepted: 1, Count: 2}, lastOf[protocol.SymbolAccepted](t, conn))
	assert.Len(t, messagesOf[protocol.MilestoneReached](conn), 1)
}

func TestOrchestratorRequiresBoundSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")

	for _, raw := range []string{
		`{"type":"SUBMIT_SYMBOL","payload":{"symbol":1}}`,
		`{"type":"SUBMIT_BATCH","payload":{"symbols":[1]}}`,
		`{"type":"UNDO"}`,
		`{"type":"REQUEST_ANALYSIS"}`,
		`{"type":"END_SESSION"}`,
	} {
		handler.Handle(ctx, []byte(raw))
	}

	errs := messagesOf[protocol.Error](conn)
	require.Len(t, errs, 5)
	for _, e := range errs {
		assert.Equal(t, protocol.CodeNoSession, e.Code)
		assert.Equal(t, testEpoch, e.Timestamp)
	}
}

func TestOrchestratorReportsMalformedFrames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")

	handler.Handle(ctx, []byte(`{not json`))
	handler.Handle(ctx, []byte(`{"type":"SHUFFLE"}`))
	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))

	errs := messagesOf[protocol.Error](conn)
	require.Len(t, errs, 2)
	assert.Equal(t, protocol.CodeValidation, errs[0].Code)
	assert.Equal(t, protocol.CodeUnknownMessage, errs[1].Code)
	assert.NotEmpty(t, handler.SessionID())
}

func TestOrchestratorResumeRebindsSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	first, firstConn := env.connect("c1")
	first.Handle(ctx, []byte(`{"type":"START_SESSION","payload":{"thresholds":{"basic":2,"advanced":50}}}`))
	first.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[1,2,3]}}`))
	sessionID := first.SessionID()
	firstConn.Close()

	second, secondConn := env.connect("c2")
	second.Dispatch(ctx, protocol.ResumeSession{SessionID: sessionID})

	resumed := lastOf[protocol.SessionStarted](t, secondConn)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, sessionID, resumed.SessionID)
	assert.Equal(t, 3, resumed.Count)
	assert.Equal(t, []string{"basic"}, resumed.Notified)
	assert.Empty(t, messagesOf[protocol.MilestoneReached](secondConn))

	first.Close()
	bound, ok := env.directory.Lookup(sessionID)
	require.True(t, ok)
	assert.Equal(t, "c2", bound.ID())

	second.Handle(ctx, []byte(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":4}}`))
	assert.Equal(t, 4, lastOf[protocol.SymbolAccepted](t, secondConn).Count)
}

func TestOrchestratorResumeAnnouncesMissedMilestones(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})

	session, err := env.sessions.Create(ctx, domain.Thresholds{{Name: "basic", Count: 2, Analyze: false}})
	require.NoError(t, err)
	_, err = env.store.Ledger().AppendBatch(ctx, session.ID, []domain.Symbol{1, 2})
	require.NoError(t, err)

	handler, conn := env.connect("c1")
	handler.Dispatch(ctx, protocol.ResumeSession{SessionID: session.ID})

	assert.Equal(t, []protocol.MessageType{protocol.TypeSessionStarted, protocol.TypeMilestoneReached}, conn.Types())
}

func TestOrchestratorResumeFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")

	handler.Dispatch(ctx, protocol.ResumeSession{SessionID: "does-not-exist"})
	assert.Equal(t, protocol.CodeSessionNotFound, lastOf[protocol.Error](t, conn).Code)
	assert.Empty(t, handler.SessionID())

	session, err := env.sessions.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.sessions.End(ctx, session.ID))

	handler.Dispatch(ctx, protocol.ResumeSession{SessionID: session.ID})
	assert.Equal(t, protocol.CodeSessionClosed, lastOf[protocol.Error](t, conn).Code)
}

func TestOrchestratorRequestAnalysis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")
	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))

	handler.Handle(ctx, []byte(`{"type":"REQUEST_ANALYSIS"}`))
	assert.Equal(t, protocol.CodeEmptyLedger, lastOf[protocol.Error](t, conn).Code)

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":3}}`))
	handler.Handle(ctx, []byte(`{"type":"REQUEST_ANALYSIS"}`))
	started := lastOf[protocol.AnalysisStarted](t, conn)
	assert.Equal(t, 1, started.SymbolCount)

	handler.Handle(ctx, []byte(`{"type":"REQUEST_ANALYSIS"}`))
	inFlight := lastOf[protocol.Error](t, conn)
	assert.Equal(t, protocol.CodeAnalysisInFlight, inFlight.Code)
	assert.True(t, inFlight.Retryable)
	assert.Len(t, messagesOf[protocol.AnalysisStarted](conn), 1)
}

func TestOrchestratorEndSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, conn := env.connect("c1")
	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))
	handler.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[1,2]}}`))

	handler.Handle(ctx, []byte(`{"type":"END_SESSION"}`))
	handler.Handle(ctx, []byte(`{"type":"END_SESSION"}`))

	ended := messagesOf[protocol.SessionEnded](conn)
	require.Len(t, ended, 2)
	assert.Equal(t, protocol.SessionEnded{SessionID: handler.SessionID(), Count: 2}, ended[1])

	handler.Handle(ctx, []byte(`{"type":"SUBMIT_SYMBOL","payload":{"symbol":1}}`))
	assert.Equal(t, protocol.CodeSessionClosed, lastOf[protocol.Error](t, conn).Code)

	_, ok := env.directory.Lookup(handler.SessionID())
	assert.True(t, ok)
}

func TestOrchestratorStartRebindsConnection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{})
	handler, _ := env.connect("c1")

	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))
	first := handler.SessionID()
	handler.Handle(ctx, []byte(`{"type":"START_SESSION"}`))
	second := handler.SessionID()

	assert.NotEqual(t, first, second)
	_, ok := env.directory.Lookup(first)
	assert.False(t, ok)
	_, ok = env.directory.Lookup(second)
	assert.True(t, ok)
}

func TestOrchestratorReportsMilestoneAnalysisThatDidNotStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var jobs *faultyJobs
	env := newTestEnv(t, mocks.NewMockAnalyzer(t), DispatcherConfig{}, func(inner ports.JobStore) ports.JobStore {
		jobs = newFaultyJobs(inner)
		return jobs
	})
	jobs.FailNext("Enqueue", 1)
	handler, conn := env.connect("c1")

	handler.Handle(ctx, []byte(`{"type":"START_SESSION","payload":{"thresholds":{"first":2}}}`))
	handler.Handle(ctx, []byte(`{"type":"SUBMIT_BATCH","payload":{"symbols":[1,2]}}`))

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeSessionStarted,
		protocol.TypeSymbolAccepted,
		protocol.TypeMilestoneReached,
		protocol.TypeError,
	}, conn.Types())

	failure := lastOf[protocol.Error](t, conn)
	assert.Equal(t, protocol.CodeAnalysisPending, failure.Code)
	assert.True(t, failure.Retryable)
	assert.Contains(t, failure.Message, "REQUEST_ANALYSIS")

	handler.Handle(ctx, []byte(`{"type":"REQUEST_ANALYSIS"}`))
	started := lastOf[protocol.AnalysisStarted](t, conn)
	assert.Equal(t, 2, started.SymbolCount)
}
