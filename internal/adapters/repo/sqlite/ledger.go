package sqlite

import (
	"context"
	"fmt"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var _ ports.SymbolLedger = (*Ledger)(nil)

type Ledger struct {
	store *Store
}

func (l *Ledger) Append(ctx context.Context, sessionID domain.SessionID, symbol domain.Symbol) (int, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return 0, err
	}

	return l.append(ctx, sessionID, []domain.Symbol{symbol})
}

// AppendBatch stores every symbol or none of them and returns the position
// of the last one.
func (l *Ledger) AppendBatch(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol) (int, error) {
	if len(symbols) == 0 {
		return 0, fmt.Errorf("%w: batch is empty", domain.ErrValidation)
	}
	for i, symbol := range symbols {
		if err := domain.ValidateSymbol(symbol); err != nil {
			return 0, fmt.Errorf("symbol %d: %w", i, err)
		}
	}

	return l.append(ctx, sessionID, symbols)
}

func (l *Ledger) append(ctx context.Context, sessionID domain.SessionID, symbols []domain.Symbol) (last int, err error) {
	conn, err := l.store.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, storageErr("begin append", err)
	}
	defer endFn(&err)

	if err := requireActive(conn, sessionID); err != nil {
		return 0, err
	}

	count, err := countEvents(conn, sessionID)
	if err != nil {
		return 0, err
	}

	createdAt := formatTime(l.store.clock.Now())
	for i, symbol := range symbols {
		err := sqlitex.Execute(conn,
			`INSERT INTO symbol_events (session_id, position, symbol, created_at) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{string(sessionID), count + i + 1, int(symbol), createdAt}},
		)
		if err != nil {
			return 0, storageErr("insert symbol", err)
		}
	}

	return count + len(symbols), nil
}

func (l *Ledger) Count(ctx context.Context, sessionID domain.SessionID) (int, error) {
	conn, err := l.store.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.store.pool.Put(conn)

	return countEvents(conn, sessionID)
}

// Latest returns up to n of the most recent events in position order.
func (l *Ledger) Latest(ctx context.Context, sessionID domain.SessionID, n int) ([]domain.SymbolEvent, error) {
	if n <= 0 {
		return []domain.SymbolEvent{}, nil
	}

	conn, err := l.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.store.pool.Put(conn)

	events := make([]domain.SymbolEvent, 0, n)
	err = sqlitex.Execute(conn,
		`SELECT position, symbol, created_at FROM symbol_events
		 WHERE session_id = ? ORDER BY position DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID), n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEvent(sessionID, stmt))
				return nil
			},
		},
	)
	if err != nil {
		return nil, storageErr("list symbols", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, nil
}

func (l *Ledger) RemoveLast(ctx context.Context, sessionID domain.SessionID) (removed domain.SymbolEvent, err error) {
	conn, err := l.store.take(ctx)
	if err != nil {
		return domain.SymbolEvent{}, err
	}
	defer l.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return domain.SymbolEvent{}, storageErr("begin undo", err)
	}
	defer endFn(&err)

	if err := requireActive(conn, sessionID); err != nil {
		return domain.SymbolEvent{}, err
	}

	found := false
	err = sqlitex.Execute(conn,
		`SELECT position, symbol, created_at FROM symbol_events
		 WHERE session_id = ? ORDER BY position DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				removed = scanEvent(sessionID, stmt)
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return domain.SymbolEvent{}, storageErr("read last symbol", err)
	}
	if !found {
		return domain.SymbolEvent{}, domain.ErrEmptyLedger
	}

	err = sqlitex.Execute(conn,
		`DELETE FROM symbol_events WHERE session_id = ? AND position = ?`,
		&sqlitex.ExecOptions{Args: []any{string(sessionID), removed.Position}},
	)
	if err != nil {
		return domain.SymbolEvent{}, storageErr("delete symbol", err)
	}

	return removed, nil
}

func requireActive(conn *sqlite.Conn, sessionID domain.SessionID) error {
	found, ended := false, false
	err := sqlitex.Execute(conn,
		`SELECT ended_at FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				ended = !stmt.ColumnIsNull(0)
				return nil
			},
		},
	)
	if err != nil {
		return storageErr("read session", err)
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if ended {
		return fmt.Errorf("%w: %s", domain.ErrSessionClosed, sessionID)
	}

	return nil
}

func countEvents(conn *sqlite.Conn, sessionID domain.SessionID) (int, error) {
	var count int
	err := sqlitex.Execute(conn,
		`SELECT COUNT(*) FROM symbol_events WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		},
	)
	if err != nil {
		return 0, storageErr("count symbols", err)
	}

	return count, nil
}

func scanEvent(sessionID domain.SessionID, stmt *sqlite.Stmt) domain.SymbolEvent {
	return domain.SymbolEvent{
		SessionID: sessionID,
		Position:  stmt.ColumnInt(0),
		Symbol:    domain.Symbol(stmt.ColumnInt(1)),
		CreatedAt: parseTime(stmt.ColumnText(2)),
	}
}
