package ports

import (
	"context"

	"github.com/bnema/symstream/internal/domain"
)

// SymbolLedger persists the ordered symbol sequence of each session.
// Calls for one session must be serialized by the caller.
type SymbolLedger interface {
	Append(ctx context.Context, sessionID domain.SessionID, symbol domain.Symbol) (int, error)
	AppendBatch(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol) (int, error)
	Count(ctx context.Context, sessionID domain.SessionID) (int, error)
	Latest(ctx context.Context, sessionID domain.SessionID, n int) ([]domain.SymbolEvent, error)
	RemoveLast(ctx context.Context, sessionID domain.SessionID) (domain.SymbolEvent, error)
}
