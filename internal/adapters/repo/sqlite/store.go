// Package sqlite stores sessions, symbol ledgers, analysis jobs and results
// in a single SQLite database. Multi-statement writes run inside IMMEDIATE
// transactions so a failed operation never leaves partial state behind.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/bnema/symstream/internal/domain"
	"github.com/bnema/symstream/internal/ports"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	storeDirMode = 0o700
	// timeLayout is fixed width so stored timestamps compare correctly as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

type Config struct {
	Path     string
	PoolSize int
	Clock    ports.Clock
	Logger   *zap.Logger
}

type Store struct {
	pool   *sqlitex.Pool
	path   string
	clock  ports.Clock
	logger *zap.Logger
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = ports.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), storeDirMode); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite pool %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, path: cfg.Path, clock: cfg.Clock, logger: cfg.Logger}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}

	s.logger.Info("sqlite store opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return s, nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close failed", zap.String("path", s.path), zap.Error(err))
		return fmt.Errorf("close sqlite pool %s: %w", s.path, err)
	}

	s.logger.Info("sqlite store closed", zap.String("path", s.path))
	return nil
}

func (s *Store) Ledger() *Ledger     { return &Ledger{store: s} }
func (s *Store) Sessions() *Sessions { return &Sessions{store: s} }
func (s *Store) Jobs() *Jobs         { return &Jobs{store: s} }
func (s *Store) Results() *Results   { return &Results{store: s} }

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storageErr("take connection", err)
	}

	return conn, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrStorage, err))
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}
