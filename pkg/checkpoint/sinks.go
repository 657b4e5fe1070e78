package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// MemorySink keeps checkpoints in memory
type MemorySink struct {
	mu          sync.RWMutex
	checkpoints []Checkpoint
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

// List returns checkpoints of taskID in save order. An empty taskID lists all.
func (m *MemorySink) List(taskID string) []Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Checkpoint
	for _, cp := range m.checkpoints {
		if taskID == "" || cp.TaskID == taskID {
			out = append(out, cp)
		}
	}
	return out
}

// Count returns how many checkpoints were saved for taskID.
func (m *MemorySink) Count(taskID string) int {
	return len(m.List(taskID))
}

// LogSink writes a summary of each checkpoint to a logger
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that only logs
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Save(_ context.Context, cp Checkpoint) error {
	evt := l.logger.Info()
	if cp.Trigger == TriggerError {
		evt = l.logger.Warn().Str("error", cp.State.Error)
	}
	evt.
		Str("checkpoint_id", cp.ID).
		Str("task_id", cp.TaskID).
		Str("agent", cp.State.AgentName).
		Str("trigger", string(cp.Trigger)).
		Float64("progress", cp.State.Progress).
		Int("current_step", cp.State.CurrentStep).
		Int("total_steps", cp.State.TotalSteps).
		Int("history_len", len(cp.State.History)).
		Msg("Checkpoint")
	return nil
}

// Fanout saves to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Save(ctx context.Context, cp Checkpoint) error {
	var errs []error
	for _, s := range f {
		if err := s.Save(ctx, cp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SQLiteSink stores checkpoints in a SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			state TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Save(ctx context.Context, cp Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, task_id, kind, created_at, state) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, string(cp.Trigger), cp.CreatedAt.UnixNano(), string(state),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// List returns checkpoints of taskID, oldest first.
func (s *SQLiteSink) List(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, kind, created_at, state FROM checkpoints WHERE task_id = ? ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp        Checkpoint
			trigger   string
			createdAt int64
			state     string
		)
		if err := rows.Scan(&cp.ID, &cp.TaskID, &trigger, &createdAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
			return nil, fmt.Errorf("failed to decode state: %w", err)
		}
		cp.Trigger = Trigger(trigger)
		cp.CreatedAt = time.Unix(0, createdAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest returns the most recent checkpoint of taskID.
func (s *SQLiteSink) Latest(ctx context.Context, taskID string) (*Checkpoint, error) {
	all, err := s.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, sql.ErrNoRows
	}
	return &all[len(all)-1], nil
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
