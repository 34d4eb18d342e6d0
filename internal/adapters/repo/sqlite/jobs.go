package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var _ ports.JobStore = (*Jobs)(nil)

const jobColumns = `id, session_id, seq, symbol_count, status, attempts, max_attempts,
	last_error, follow_up, next_attempt_at, created_at, updated_at`

type Jobs struct {
	store *Store
}

func (r *Jobs) Enqueue(ctx context.Context, sessionID domain.SessionID, symbolCount, maxAttempts int, at time.Time) (job domain.AnalysisJob, err error) {
	if maxAttempts < 1 {
		return domain.AnalysisJob{}, fmt.Errorf("%w: max attempts must be positive", domain.ErrValidation)
	}

	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	defer r.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return domain.AnalysisJob{}, storageErr("begin enqueue", err)
	}
	defer endFn(&err)

	if _, inFlight, err := queryOneJob(conn, `WHERE session_id = ? AND status IN ('queued', 'running')`, string(sessionID)); err != nil {
		return domain.AnalysisJob{}, err
	} else if inFlight {
		return domain.AnalysisJob{}, fmt.Errorf("%w: session %s", domain.ErrJobInFlight, sessionID)
	}

	seq := 0
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM analysis_jobs WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(sessionID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt(0)
				return nil
			},
		},
	)
	if err != nil {
		return domain.AnalysisJob{}, storageErr("read job sequence", err)
	}

	job = domain.AnalysisJob{
		ID:            domain.NewJobID(sessionID, seq+1),
		SessionID:     sessionID,
		Seq:           seq + 1,
		SymbolCount:   symbolCount,
		Status:        domain.JobQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: at.UTC(),
		CreatedAt:     at.UTC(),
		UpdatedAt:     at.UTC(),
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO analysis_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, 0, ?, '', 0, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			string(job.ID), string(sessionID), job.Seq, symbolCount, string(domain.JobQueued), maxAttempts,
			formatTime(at), formatTime(at), formatTime(at),
		}},
	)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return domain.AnalysisJob{}, fmt.Errorf("%w: session %s", domain.ErrJobInFlight, sessionID)
		}
		return domain.AnalysisJob{}, storageErr("insert job", err)
	}

	return job, nil
}

func (r *Jobs) Get(ctx context.Context, id domain.JobID) (domain.AnalysisJob, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	defer r.store.pool.Put(conn)

	return getJob(conn, id)
}

func (r *Jobs) InFlight(ctx context.Context, sessionID domain.SessionID) (domain.AnalysisJob, bool, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.AnalysisJob{}, false, err
	}
	defer r.store.pool.Put(conn)

	return queryOneJob(conn, `WHERE session_id = ? AND status IN ('queued', 'running')`, string(sessionID))
}

func (r *Jobs) Latest(ctx context.Context, sessionID domain.SessionID) (domain.AnalysisJob, bool, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.AnalysisJob{}, false, err
	}
	defer r.store.pool.Put(conn)

	return queryOneJob(conn, `WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, string(sessionID))
}

func (r *Jobs) Claim(ctx context.Context, id domain.JobID, symbolCount int, at time.Time) (job domain.AnalysisJob, err error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	defer r.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return domain.AnalysisJob{}, storageErr("begin claim", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		`UPDATE analysis_jobs
		 SET status = 'running', attempts = attempts + 1, symbol_count = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		&sqlitex.ExecOptions{Args: []any{symbolCount, formatTime(at), string(id)}},
	)
	if err != nil {
		return domain.AnalysisJob{}, storageErr("claim job", err)
	}
	claimed := conn.Changes() > 0

	job, err = getJob(conn, id)
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	if !claimed {
		return domain.AnalysisJob{}, fmt.Errorf("%w: %s is %s", domain.ErrJobNotQueued, id, job.Status)
	}

	return job, nil
}

func (r *Jobs) Retry(ctx context.Context, id domain.JobID, lastErr string, nextAttemptAt time.Time) error {
	return r.transition(ctx, id,
		`UPDATE analysis_jobs SET status = 'queued', last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		lastErr, formatTime(nextAttemptAt), formatTime(r.store.clock.Now()), string(id),
	)
}

// Complete stores the results and marks the job completed in one
// transaction, so a fault leaves the job running with nothing saved.
func (r *Jobs) Complete(ctx context.Context, id domain.JobID, results []domain.AnalysisResult, at time.Time) (err error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storageErr("begin complete", err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		`UPDATE analysis_jobs SET status = 'completed', last_error = '', updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		&sqlitex.ExecOptions{Args: []any{formatTime(at), string(id)}},
	)
	if err != nil {
		return storageErr("complete job", err)
	}
	if conn.Changes() == 0 {
		job, err := getJob(conn, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrJobNotQueued, id, job.Status)
	}

	job, err := getJob(conn, id)
	if err != nil {
		return err
	}

	return insertResults(conn, job.SessionID, id, results)
}

func (r *Jobs) Fail(ctx context.Context, id domain.JobID, lastErr string, at time.Time) error {
	return r.transition(ctx, id,
		`UPDATE analysis_jobs SET status = 'failed', last_error = ?, updated_at = ?
		 WHERE id = ? AND status IN ('queued', 'running')`,
		lastErr, formatTime(at), string(id),
	)
}

func (r *Jobs) RequestFollowUp(ctx context.Context, id domain.JobID) error {
	return r.transition(ctx, id,
		`UPDATE analysis_jobs SET follow_up = 1
		 WHERE id = ? AND status IN ('queued', 'running')`,
		string(id),
	)
}

func (r *Jobs) Due(ctx context.Context, now time.Time) ([]domain.AnalysisJob, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.pool.Put(conn)

	return queryJobs(conn,
		`WHERE status = 'queued' AND next_attempt_at <= ? ORDER BY next_attempt_at, id`,
		formatTime(now),
	)
}

func (r *Jobs) Recover(ctx context.Context, at time.Time) (int, error) {
	conn, err := r.store.take(ctx)
	if err != nil {
		return 0, err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE analysis_jobs SET status = 'queued', next_attempt_at = ?, updated_at = ?
		 WHERE status = 'running'`,
		&sqlitex.ExecOptions{Args: []any{formatTime(at), formatTime(at)}},
	)
	if err != nil {
		return 0, storageErr("recover jobs", err)
	}

	return conn.Changes(), nil
}

// transition runs a guarded status update. A guard miss on an existing job
// reports domain.ErrJobNotQueued.
func (r *Jobs) transition(ctx context.Context, id domain.JobID, query string, args ...any) error {
	conn, err := r.store.take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return storageErr("update job", err)
	}
	if conn.Changes() > 0 {
		return nil
	}

	job, err := getJob(conn, id)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s is %s", domain.ErrJobNotQueued, id, job.Status)
}

func getJob(conn *sqlite.Conn, id domain.JobID) (domain.AnalysisJob, error) {
	job, found, err := queryOneJob(conn, `WHERE id = ?`, string(id))
	if err != nil {
		return domain.AnalysisJob{}, err
	}
	if !found {
		return domain.AnalysisJob{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	return job, nil
}

func queryOneJob(conn *sqlite.Conn, where string, args ...any) (domain.AnalysisJob, bool, error) {
	jobs, err := queryJobs(conn, where, args...)
	if err != nil {
		return domain.AnalysisJob{}, false, err
	}
	if len(jobs) == 0 {
		return domain.AnalysisJob{}, false, nil
	}

	return jobs[0], true, nil
}

func queryJobs(conn *sqlite.Conn, where string, args ...any) ([]domain.AnalysisJob, error) {
	jobs := make([]domain.AnalysisJob, 0)
	err := sqlitex.Execute(conn,
		`SELECT `+jobColumns+` FROM analysis_jobs `+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				jobs = append(jobs, domain.AnalysisJob{
					ID:            domain.JobID(stmt.ColumnText(0)),
					SessionID:     domain.SessionID(stmt.ColumnText(1)),
					Seq:           stmt.ColumnInt(2),
					SymbolCount:   stmt.ColumnInt(3),
					Status:        domain.JobStatus(stmt.ColumnText(4)),
					Attempts:      stmt.ColumnInt(5),
					MaxAttempts:   stmt.ColumnInt(6),
					LastError:     stmt.ColumnText(7),
					FollowUp:      stmt.ColumnInt(8) != 0,
					NextAttemptAt: parseTime(stmt.ColumnText(9)),
					CreatedAt:     parseTime(stmt.ColumnText(10)),
					UpdatedAt:     parseTime(stmt.ColumnText(11)),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, storageErr("query jobs", err)
	}
	for _, job := range jobs {
		if !job.Status.Valid() {
			return nil, storageErr("query jobs", fmt.Errorf("job %s has unknown status %q", job.ID, job.Status))
		}
	}

	return jobs, nil
}
