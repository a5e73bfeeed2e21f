package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// HistoryStore keeps finished run reports.
type HistoryStore interface {
	Record(ctx context.Context, r *api.RunReport) error
	// Recent returns up to limit summaries, newest first.
	Recent(ctx context.Context, limit int) ([]api.RunSummary, error)
	// Entries returns the entries of one run in execution order.
	Entries(ctx context.Context, runID string) ([]api.RunEntry, error)
	Close() error
}

// ErrRunNotFound is returned by Entries for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// OpenHistory opens the store selected by cfg.Driver.
func OpenHistory(cfg HistoryConfig) (HistoryStore, error) {
	switch cfg.Driver {
	case "", "none":
		return nopStore{}, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
		return NewStore(cfg.Path)
	case "badger":
		return NewBadgerStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
}

type nopStore struct{}

func (nopStore) Record(context.Context, *api.RunReport) error { return nil }
func (nopStore) Recent(context.Context, int) ([]api.RunSummary, error) {
	return nil, nil
}
func (nopStore) Entries(context.Context, string) ([]api.RunEntry, error) {
	return nil, ErrRunNotFound
}
func (nopStore) Close() error { return nil }

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Record(ctx context.Context, r *api.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sum := r.Summarize()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, total, failed, degraded) VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.StartedAt.UnixNano(), sum.FinishedAt.UnixNano(), sum.Total, sum.Failed, sum.Degraded); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, e := range r.Entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_entries (run_id, seq, workload, model_size, host, outcome, error, degraded, score, attempts, duration_ns, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, e.Workload, e.ModelSize, e.Host, string(e.Outcome), e.Error, e.Degraded, e.Score, e.Attempts,
			int64(e.Duration), e.FinishedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Recent(ctx context.Context, limit int) ([]api.RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, total, failed, degraded FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.RunSummary
	for rows.Next() {
		var sum api.RunSummary
		var started, finished int64
		if err := rows.Scan(&sum.ID, &started, &finished, &sum.Total, &sum.Failed, &sum.Degraded); err != nil {
			return nil, err
		}
		sum.StartedAt = time.Unix(0, started).UTC()
		sum.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, runID string) ([]api.RunEntry, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workload, model_size, host, outcome, error, degraded, score, attempts, duration_ns, finished_at
		 FROM run_entries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []api.RunEntry
	for rows.Next() {
		var e api.RunEntry
		var outcome string
		var dur, finished int64
		if err := rows.Scan(&e.Workload, &e.ModelSize, &e.Host, &outcome, &e.Error, &e.Degraded, &e.Score, &e.Attempts, &dur, &finished); err != nil {
			return nil, err
		}
		e.Outcome = api.Outcome(outcome)
		e.Duration = time.Duration(dur)
		e.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
