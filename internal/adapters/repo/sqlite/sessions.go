package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var _ ports.SessionRepository = (*Sessions)(nil)

type Sessions struct {
	store *Store
}

type thresholdRecord struct {
	Name    string `json:"name"`
	Count   int    `json:"count"`
	Analyze bool   `json:"analyze"`
}

func (r *Sessions) Create(ctx context.Context, session domain.Session) error {
	if session.ID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}

	thresholds, err := encodeThresholds(session.Thresholds)
	if err != nil {
		return err
	}

	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, created_at, ended_at, thresholds) VALUES (?, ?, NULL, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(session.ID), formatTime(session.CreatedAt), thresholds}},
	)
	if err != nil {
		return storageErr("insert session", err)
	}

	return nil
}

func (r *Sessions) GetByID(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	defer r.store.pool.Put(conn)

	sessions, err := querySessions(conn, `WHERE id = ?`, string(id))
	if err != nil {
		return domain.Session{}, err
	}
	if len(sessions) == 0 {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	return sessions[0], nil
}

func (r *Sessions) List(ctx context.Context) ([]domain.Session, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	return querySessions(conn, ``)
}

func (r *Sessions) End(ctx context.Context, id domain.SessionID, at time.Time) (bool, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return false, err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{formatTime(at), string(id)}},
	)
	if err != nil {
		return false, storageErr("end session", err)
	}
	if conn.Changes() > 0 {
		return true, nil
	}

	exists, err := sessionExists(conn, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}

	return false, nil
}

func (r *Sessions) MarkMilestoneNotified(ctx context.Context, id domain.SessionID, name string, at time.Time) (bool, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return false, err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO session_milestones (session_id, name, notified_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(id), name, formatTime(at)}},
	)
	if err != nil {
		return false, storageErr("mark milestone", err)
	}

	return conn.Changes() > 0, nil
}

func querySessions(conn *sqlite.Conn, where string, args ...any) ([]domain.Session, error) {
	sessions := make([]domain.Session, 0)
	var decodeErr error

	err := sqlitex.Execute(conn,
		`SELECT id, created_at, ended_at, thresholds FROM sessions `+where+` ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session := domain.Session{
					ID:        domain.SessionID(stmt.ColumnText(0)),
					CreatedAt: parseTime(stmt.ColumnText(1)),
					Notified:  map[string]time.Time{},
				}
				if !stmt.ColumnIsNull(2) {
					endedAt := parseTime(stmt.ColumnText(2))
					session.EndedAt = &endedAt
				}
				thresholds, err := decodeThresholds(stmt.ColumnText(3))
				if err != nil {
					decodeErr = fmt.Errorf("session %s: %w", session.ID, err)
					return decodeErr
				}
				session.Thresholds = thresholds
				sessions = append(sessions, session)
				return nil
			},
		},
	)
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, storageErr("list sessions", err)
	}

	for i := range sessions {
		if err := loadMilestones(conn, &sessions[i]); err != nil {
			return nil, err
		}
	}

	return sessions, nil
}

func loadMilestones(conn *sqlite.Conn, session *domain.Session) error {
	err := sqlitex.Execute(conn,
		`SELECT name, notified_at FROM session_milestones WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(session.ID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session.Notified[stmt.ColumnText(0)] = parseTime(stmt.ColumnText(1))
				return nil
			},
		},
	)
	if err != nil {
		return storageErr("list milestones", err)
	}

	return nil
}

func sessionExists(conn *sqlite.Conn, id domain.SessionID) (bool, error) {
	exists := false
	err := sqlitex.Execute(conn,
		`SELECT 1 FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		},
	)
	if err != nil {
		return false, storageErr("read session", err)
	}

	return exists, nil
}

func encodeThresholds(thresholds domain.Thresholds) (string, error) {
	records := make([]thresholdRecord, 0, len(thresholds))
	for _, m := range thresholds {
		records = append(records, thresholdRecord{Name: m.Name, Count: m.Count, Analyze: m.Analyze})
	}

	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode thresholds: %w", err)
	}

	return string(data), nil
}

func decodeThresholds(raw string) (domain.Thresholds, error) {
	var records []thresholdRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}

	thresholds := make(domain.Thresholds, 0, len(records))
	for _, record := range records {
		thresholds = append(thresholds, domain.Milestone{Name: record.Name, Count: record.Count, Analyze: record.Analyze})
	}
	thresholds.Normalize()

	return thresholds, nil
}
