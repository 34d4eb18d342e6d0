package application

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"github.com/bnema/symstream/internal/protocol"
	"go.uber.org/zap"
)

type AnalysisTrigger interface {
	Trigger(ctx context.Context, sessionID domain.SessionID) (TriggerResult, error)
}

type Orchestrator struct {
	sessions  *SessionService
	ledger    ports.SymbolLedger
	analysis  AnalysisTrigger
	directory ports.ConnectionDirectory
	clock     ports.Clock
	logger    *zap.Logger
}

func NewOrchestrator(sessions *SessionService, ledger ports.SymbolLedger, analysis AnalysisTrigger, directory ports.ConnectionDirectory, clock ports.Clock, logger *zap.Logger) *Orchestrator {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		sessions:  sessions,
		ledger:    ledger,
		analysis:  analysis,
		directory: directory,
		clock:     clock,
		logger:    logger,
	}
}

// Handler holds the state of one connection. It is not safe for concurrent
// use: the transport feeds it frames one at a time in arrival order.
type Handler struct {
	o       *Orchestrator
	conn    ports.Connection
	logger  *zap.Logger
	session *domain.Session
}

func (o *Orchestrator) NewHandler(conn ports.Connection) *Handler {
	return &Handler{
		o:      o,
		conn:   conn,
		logger: o.logger.With(zap.String("connection_id", conn.ID())),
	}
}

// SessionID returns the bound session, or "" while unbound.
func (h *Handler) SessionID() domain.SessionID {
	if h.session == nil {
		return ""
	}
	return h.session.ID
}

// Handle processes one raw inbound frame. Failures are reported to the
// client as ERROR messages and never close the connection.
func (h *Handler) Handle(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		h.sendError(err)
		return
	}

	h.Dispatch(ctx, msg)
}

func (h *Handler) Dispatch(ctx context.Context, msg protocol.Inbound) {
	var err error
	switch m := msg.(type) {
	case protocol.StartSession:
		err = h.start(ctx, m)
	case protocol.ResumeSession:
		err = h.resume(ctx, m.SessionID)
	case protocol.SubmitSymbol:
		err = h.submit(ctx, []domain.Symbol{m.Symbol})
	case protocol.SubmitBatch:
		err = h.submit(ctx, m.Symbols)
	case protocol.Undo:
		err = h.undo(ctx)
	case protocol.RequestAnalysis:
		err = h.requestAnalysis(ctx)
	case protocol.EndSession:
		err = h.end(ctx)
	default:
		err = fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, msg.InboundType())
	}

	if err != nil {
		h.sendError(err)
	}
}

// Close releases the session binding unless a newer connection took it over.
func (h *Handler) Close() {
	if h.session != nil {
		h.o.directory.Unbind(h.session.ID, h.conn)
	}
}

func (h *Handler) start(ctx context.Context, msg protocol.StartSession) error {
	var thresholds domain.Thresholds
	if len(msg.Thresholds) > 0 {
		thresholds = domain.ThresholdsFromCounts(msg.Thresholds)
	}

	session, err := h.o.sessions.Create(ctx, thresholds)
	if err != nil {
		return err
	}

	h.bind(session)
	h.logger.Info("session started", zap.String("session_id", string(session.ID)))
	h.send(protocol.SessionStarted{
		SessionID:  session.ID,
		Count:      0,
		Thresholds: session.Thresholds.Counts(),
	})

	return nil
}

func (h *Handler) resume(ctx context.Context, id domain.SessionID) error {
	session, err := h.o.sessions.GetActive(ctx, id)
	if err != nil {
		return err
	}

	count, err := h.o.ledger.Count(ctx, id)
	if err != nil {
		return fmt.Errorf("count symbols: %w", err)
	}

	h.bind(session)
	h.logger.Info("session resumed", zap.String("session_id", string(id)), zap.Int("count", count))

	notified := make([]string, 0, len(session.Notified))
	for name := range session.Notified {
		notified = append(notified, name)
	}
	sort.Strings(notified)

	h.send(protocol.SessionStarted{
		SessionID:  session.ID,
		Resumed:    true,
		Count:      count,
		Thresholds: session.Thresholds.Counts(),
		Notified:   notified,
	})

	return h.evaluate(ctx, count)
}

func (h *Handler) submit(ctx context.Context, symbols []domain.Symbol) error {
	if h.session == nil {
		return domain.ErrNoSession
	}

	var (
		position int
		err      error
	)
	if len(symbols) == 1 {
		position, err = h.o.ledger.Append(ctx, h.session.ID, symbols[0])
	} else {
		position, err = h.o.ledger.AppendBatch(ctx, h.session.ID, symbols)
	}
	if err != nil {
		return err
	}

	h.send(protocol.SymbolAccepted{Position: position, Accepted: len(symbols), Count: position})

	return h.evaluate(ctx, position)
}

// evaluate announces every milestone the count has newly crossed and starts
// an analysis if one of them asks for it. A milestone is recorded before it
// is announced so concurrent evaluations never announce it twice.
func (h *Handler) evaluate(ctx context.Context, count int) error {
	crossed := domain.NewlyCrossed(count, h.session.Thresholds, h.session.NotifiedSet())
	if len(crossed) == 0 {
		return nil
	}

	announced := make([]domain.Milestone, 0, len(crossed))
	for _, milestone := range crossed {
		marked, err := h.o.sessions.MarkMilestoneNotified(ctx, h.session.ID, milestone.Name)
		if err != nil {
			return err
		}
		h.session.Notified[milestone.Name] = h.o.clock.Now().UTC()
		if !marked {
			continue
		}

		h.logger.Info("milestone reached",
			zap.String("session_id", string(h.session.ID)),
			zap.String("milestone", milestone.Name),
			zap.Int("count", count),
		)
		h.send(protocol.MilestoneReached{Milestone: milestone.Name, Threshold: milestone.Count, Count: count})
		announced = append(announced, milestone)
	}

	if !domain.RequiresAnalysis(announced) {
		return nil
	}

	if _, err := h.trigger(ctx); err != nil {
		h.logger.Error("milestone analysis not started",
			zap.String("session_id", string(h.session.ID)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", domain.ErrAnalysisNotStarted, err)
	}

	return nil
}

func (h *Handler) trigger(ctx context.Context) (TriggerResult, error) {
	result, err := h.o.analysis.Trigger(ctx, h.session.ID)
	if err != nil {
		return TriggerResult{}, err
	}
	if result.Enqueued {
		h.send(protocol.AnalysisStarted{JobID: result.Job.ID, SymbolCount: result.Job.SymbolCount})
	}

	return result, nil
}

func (h *Handler) undo(ctx context.Context) error {
	if h.session == nil {
		return domain.ErrNoSession
	}

	removed, err := h.o.ledger.RemoveLast(ctx, h.session.ID)
	if err != nil {
		return err
	}

	h.send(protocol.UndoAck{
		RemovedPosition: removed.Position,
		RemovedSymbol:   removed.Symbol,
		Count:           removed.Position - 1,
	})

	return nil
}

func (h *Handler) requestAnalysis(ctx context.Context) error {
	if h.session == nil {
		return domain.ErrNoSession
	}

	count, err := h.o.ledger.Count(ctx, h.session.ID)
	if err != nil {
		return fmt.Errorf("count symbols: %w", err)
	}
	if count == 0 {
		return domain.ErrEmptyLedger
	}

	result, err := h.trigger(ctx)
	if err != nil {
		return err
	}
	if !result.Enqueued {
		return fmt.Errorf("%w: %s", domain.ErrJobInFlight, result.Reason)
	}

	return nil
}

func (h *Handler) end(ctx context.Context) error {
	if h.session == nil {
		return domain.ErrNoSession
	}

	if err := h.o.sessions.End(ctx, h.session.ID); err != nil {
		return err
	}
	count, err := h.o.ledger.Count(ctx, h.session.ID)
	if err != nil {
		return fmt.Errorf("count symbols: %w", err)
	}

	if h.session.Active() {
		endedAt := h.o.clock.Now().UTC()
		h.session.EndedAt = &endedAt
	}
	h.logger.Info("session ended", zap.String("session_id", string(h.session.ID)), zap.Int("count", count))
	h.send(protocol.SessionEnded{SessionID: h.session.ID, Count: count})

	return nil
}

func (h *Handler) bind(session domain.Session) {
	if h.session != nil && h.session.ID != session.ID {
		h.o.directory.Unbind(h.session.ID, h.conn)
	}
	if session.Notified == nil {
		session.Notified = map[string]time.Time{}
	}

	h.session = &session
	h.o.directory.Bind(session.ID, h.conn)
}

func (h *Handler) send(msg protocol.Outbound) {
	if err := h.conn.Send(msg); err != nil {
		h.logger.Debug("send failed", zap.String("type", string(msg.OutboundType())), zap.Error(err))
	}
}

func (h *Handler) sendError(err error) {
	wire := protocol.ErrorFrom(err, h.o.clock.Now())
	if wire.Code == protocol.CodeOperationFailed {
		h.logger.Error("operation failed", zap.String("session_id", string(h.SessionID())), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("code", wire.Code), zap.Error(err))
	}

	h.send(wire)
}
