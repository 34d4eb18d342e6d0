package sqlite

import (
	"context"
	"encoding/json"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var _ ports.ResultStore = (*Results)(nil)

type Results struct {
	store *Store
}

func (r *Results) ListResults(ctx context.Context, sessionID domain.SessionID) ([]domain.AnalysisResult, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	results := make([]domain.AnalysisResult, 0)
	err = sqlitex.Execute(conn,
		`SELECT model, confidence, prediction, hypothesis, created_at
		 FROM analysis_results WHERE session_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result := domain.AnalysisResult{
					Model:      stmt.ColumnText(0),
					Confidence: stmt.ColumnFloat(1),
					Hypothesis: stmt.ColumnText(3),
					CreatedAt:  parseTime(stmt.ColumnText(4)),
				}
				if !stmt.ColumnIsNull(2) {
					result.Prediction = json.RawMessage(stmt.ColumnText(2))
				}
				results = append(results, result)
				return nil
			},
		},
	)
	if err != nil {
		return nil, storageErr("list results", err)
	}

	return results, nil
}

func insertResults(conn *sqlite.Conn, sessionID domain.SessionID, jobID domain.JobID, results []domain.AnalysisResult) error {
	for _, result := range results {
		var prediction any
		if len(result.Prediction) > 0 {
			prediction = string(result.Prediction)
		}

		err := sqlitex.Execute(conn,
			`INSERT INTO analysis_results (session_id, job_id, model, confidence, prediction, hypothesis, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				string(sessionID), string(jobID), result.Model, result.Confidence,
				prediction, result.Hypothesis, formatTime(result.CreatedAt),
			}},
		)
		if err != nil {
			return storageErr("insert result", err)
		}
	}

	return nil
}
