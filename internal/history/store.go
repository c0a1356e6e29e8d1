package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Run is one finished pipeline run.
type Run struct {
	ID          string                   `json:"id"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Outcome     Outcome                  `json:"outcome"`
	FailedStage string                   `json:"failed_stage,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Transcript  string                   `json:"transcript,omitempty"`
	Translation string                   `json:"translation,omitempty"`
	CaptureTime time.Duration            `json:"capture_time"`
	AudioTime   time.Duration            `json:"audio_time"`
	Stages      map[string]time.Duration `json:"stages"`
}

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Store persists runs in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL,
  outcome TEXT NOT NULL,
  failed_stage TEXT,
  error TEXT,
  transcript TEXT,
  translation TEXT,
  capture_ms INTEGER NOT NULL,
  audio_ms INTEGER NOT NULL,
  stages TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	return nil
}

// Record stores run, replacing any earlier record with the same id.
func (s *Store) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id cannot be empty")
	}

	stages, err := encodeStages(run.Stages)
	if err != nil {
		return err
	}

	const stmt = `
INSERT INTO runs (id, started_at, finished_at, outcome, failed_stage, error, transcript, translation, capture_ms, audio_ms, stages)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  started_at=excluded.started_at,
  finished_at=excluded.finished_at,
  outcome=excluded.outcome,
  failed_stage=excluded.failed_stage,
  error=excluded.error,
  transcript=excluded.transcript,
  translation=excluded.translation,
  capture_ms=excluded.capture_ms,
  audio_ms=excluded.audio_ms,
  stages=excluded.stages;
`
	_, err = s.db.ExecContext(ctx, stmt,
		run.ID,
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
		string(run.Outcome),
		run.FailedStage,
		run.Error,
		run.Transcript,
		run.Translation,
		run.CaptureTime.Milliseconds(),
		run.AudioTime.Milliseconds(),
		stages,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, started_at, finished_at, outcome, failed_stage, error, transcript, translation, capture_ms, audio_ms, stages
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, started_at, finished_at, outcome, failed_stage, error, transcript, translation, capture_ms, audio_ms, stages
FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// Count returns the number of stored runs by outcome.
func (s *Store) Count(ctx context.Context) (map[Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM runs GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("count runs: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run                     Run
		startedAt, finishedAt   string
		outcome, stages         string
		failedStage, errMsg     sql.NullString
		transcript, translation sql.NullString
		captureMS, audioMS      int64
	)

	if err := row.Scan(&run.ID, &startedAt, &finishedAt, &outcome, &failedStage, &errMsg,
		&transcript, &translation, &captureMS, &audioMS, &stages); err != nil {
		return Run{}, err
	}

	var err error
	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return Run{}, fmt.Errorf("run %s: bad started_at: %w", run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finishedAt); err != nil {
		return Run{}, fmt.Errorf("run %s: bad finished_at: %w", run.ID, err)
	}
	if run.Stages, err = decodeStages(stages); err != nil {
		return Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}

	run.Outcome = Outcome(outcome)
	run.FailedStage = failedStage.String
	run.Error = errMsg.String
	run.Transcript = transcript.String
	run.Translation = translation.String
	run.CaptureTime = time.Duration(captureMS) * time.Millisecond
	run.AudioTime = time.Duration(audioMS) * time.Millisecond
	return run, nil
}

// Stage durations are stored as a JSON object of milliseconds.
func encodeStages(stages map[string]time.Duration) (string, error) {
	ms := make(map[string]int64, len(stages))
	for stage, d := range stages {
		ms[stage] = d.Milliseconds()
	}
	data, err := json.Marshal(ms)
	if err != nil {
		return "", fmt.Errorf("encode stage durations: %w", err)
	}
	return string(data), nil
}

func decodeStages(data string) (map[string]time.Duration, error) {
	var ms map[string]int64
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		return nil, fmt.Errorf("decode stage durations: %w", err)
	}
	stages := make(map[string]time.Duration, len(ms))
	for stage, v := range ms {
		stages[stage] = time.Duration(v) * time.Millisecond
	}
	return stages, nil
}
