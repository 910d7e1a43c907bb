// Package runlog records training runs and their per-epoch metrics in a
// SQLite database, and writes per-run metrics files.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"finetune/internal/engine"
)

// Status is the state of a training run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one recorded fit.
type Run struct {
	ID         string
	Kind       string // "classifier" or "lm"
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time
	Config     json.RawMessage
	DataHash   string
	Examples   int
	Output     string
	BestEpoch  int
	Error      string
}

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("runlog: run not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runlog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  config TEXT NOT NULL DEFAULT '{}',
  data_hash TEXT NOT NULL DEFAULT '',
  examples INTEGER NOT NULL DEFAULT 0,
  output TEXT NOT NULL DEFAULT '',
  best_epoch INTEGER NOT NULL DEFAULT -1,
  error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epochs (
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  epoch INTEGER NOT NULL,
  train_loss REAL NOT NULL,
  lm_loss REAL NOT NULL,
  clf_loss REAL NOT NULL,
  running_loss REAL NOT NULL,
  val_loss REAL,
  val_accuracy REAL,
  learning_rate REAL NOT NULL,
  steps INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  improved INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (run_id, epoch)
);
`)
	return err
}

// StartRun registers a new running fit and returns its id.
func (s *Store) StartRun(ctx context.Context, kind string, cfg any, examples int) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("runlog: marshal config: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, kind, status, started_at, config, examples)
VALUES(?, ?, ?, ?, ?, ?);
`, id, kind, string(StatusRunning), time.Now().UTC(), string(raw), examples)
	if err != nil {
		return "", fmt.Errorf("runlog: start run: %w", err)
	}
	return id, nil
}

// RecordEpoch stores the metrics of one epoch. Re-recording an epoch
// replaces it.
func (s *Store) RecordEpoch(ctx context.Context, runID string, m engine.EpochMetrics) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO epochs(run_id, epoch, train_loss, lm_loss, clf_loss, running_loss, val_loss,
  val_accuracy, learning_rate, steps, duration_ms, improved)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, m.Epoch, m.TrainLoss, m.LMLoss, m.ClfLoss, m.RunningLoss, nullable(m.ValLoss),
		nullable(m.ValAccuracy), m.LearningRate, m.Steps, m.Duration.Milliseconds(), m.Improved)
	if err != nil {
		return fmt.Errorf("runlog: record epoch %d: %w", m.Epoch, err)
	}
	return nil
}

// FinishRun closes a run. A nil fitErr marks it done; context
// cancellation marks it cancelled; anything else failed.
func (s *Store) FinishRun(ctx context.Context, runID string, h *engine.History, dataHash, output string, fitErr error) error {
	status := StatusDone
	msg := ""
	switch {
	case fitErr == nil:
	case errors.Is(fitErr, context.Canceled), errors.Is(fitErr, context.DeadlineExceeded):
		status, msg = StatusCancelled, fitErr.Error()
	default:
		status, msg = StatusFailed, fitErr.Error()
	}
	best := -1
	if h != nil {
		best = h.BestEpoch
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status=?, finished_at=?, data_hash=?, output=?, best_epoch=?, error=?
WHERE run_id=?;
`, string(status), time.Now().UTC(), dataHash, output, best, msg, runID)
	if err != nil {
		return fmt.Errorf("runlog: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, kind, status, started_at, finished_at, config, data_hash, examples, output, best_epoch, error
FROM runs ORDER BY started_at DESC, run_id;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, kind, status, started_at, finished_at, config, data_hash, examples, output, best_epoch, error
FROM runs WHERE run_id=?;
`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

// Epochs returns the recorded epochs of a run in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]engine.EpochMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT epoch, train_loss, lm_loss, clf_loss, running_loss, val_loss, val_accuracy, learning_rate, steps,
  duration_ms, improved
FROM epochs WHERE run_id=? ORDER BY epoch;
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.EpochMetrics
	for rows.Next() {
		var (
			m          engine.EpochMetrics
			val, acc   sql.NullFloat64
			durationMS int64
		)
		if err := rows.Scan(&m.Epoch, &m.TrainLoss, &m.LMLoss, &m.ClfLoss, &m.RunningLoss, &val, &acc,
			&m.LearningRate, &m.Steps, &durationMS, &m.Improved); err != nil {
			return nil, err
		}
		if val.Valid {
			m.ValLoss = &val.Float64
		}
		if acc.Valid {
			m.ValAccuracy = &acc.Float64
		}
		m.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		status   string
		finished sql.NullTime
		cfg      string
	)
	if err := sc.Scan(&r.ID, &r.Kind, &status, &r.StartedAt, &finished, &cfg, &r.DataHash, &r.Examples,
		&r.Output, &r.BestEpoch, &r.Error); err != nil {
		return Run{}, err
	}
	r.Status = Status(status)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	r.Config = json.RawMessage(cfg)
	return r, nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
