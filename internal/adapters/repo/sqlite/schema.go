package sqlite

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	ended_at   TEXT,
	thresholds TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_milestones (
	session_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	notified_at TEXT NOT NULL,
	PRIMARY KEY (session_id, name)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS symbol_events (
	session_id TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	symbol     INTEGER NOT NULL CHECK (symbol BETWEEN 1 AND 4),
	created_at TEXT    NOT NULL,
	PRIMARY KEY (session_id, position)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS analysis_jobs (
	id              TEXT PRIMARY KEY,
	session_id      TEXT    NOT NULL,
	seq             INTEGER NOT NULL,
	symbol_count    INTEGER NOT NULL,
	status          TEXT    NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL,
	last_error      TEXT    NOT NULL DEFAULT '',
	follow_up       INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT    NOT NULL,
	created_at      TEXT    NOT NULL,
	updated_at      TEXT    NOT NULL,
	UNIQUE (session_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_jobs_in_flight
	ON analysis_jobs (session_id) WHERE status IN ('queued', 'running');

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_due
	ON analysis_jobs (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS analysis_results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	model      TEXT NOT NULL,
	confidence REAL NOT NULL,
	prediction TEXT,
	hypothesis TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_session
	ON analysis_results (session_id, id);
`

func (s *Store) migrate(ctx context.Context) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	version, err := schemaVersion(conn)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("unsupported store schema version %d (current %d)", version, currentSchemaVersion)
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return storageErr("begin migration", err)
	}
	defer endFn(&err)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return storageErr("apply schema", err)
	}
	if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion), nil); err != nil {
		return storageErr("set schema version", err)
	}

	return nil
}

func schemaVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, storageErr("read schema version", err)
	}

	return version, nil
}
