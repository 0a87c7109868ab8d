package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded invocation against a host.
type Run struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	Command    string    `json:"command"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	PublicURL  string    `json:"public_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	Steps      []Step    `json:"steps,omitempty"`
}

// Step is one pipeline step within a run.
type Step struct {
	RunID     string        `json:"-"`
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// BeginRun inserts a run in the running state.
func (s *Store) BeginRun(ctx context.Context, id, host, command string, startedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("journal store is nil")
	}
	if strings.TrimSpace(id) == "" {
		return errors.New("run id is required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs (id, host, command, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, host, command, StatusRunning, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", id, err)
	}
	return nil
}

// RecordStep appends a finished step to its run.
func (s *Store) RecordStep(ctx context.Context, step Step) error {
	if s == nil || s.DB == nil {
		return errors.New("journal store is nil")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO steps (run_id, idx, name, status, detail, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Index, step.Name, step.Status, step.Detail, step.Duration.Milliseconds(), formatTime(step.StartedAt))
	if err != nil {
		return fmt.Errorf("insert step %d for run %s: %w", step.Index, step.RunID, err)
	}
	return nil
}

// FinishRun sets the terminal status of a run.
func (s *Store) FinishRun(ctx context.Context, id, status, publicURL, errMsg string, finishedAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("journal store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ?, public_url = ?, error = ? WHERE id = ?`,
		status, formatTime(finishedAt), nullString(publicURL), nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs first, without steps.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("journal store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, host, command, status, started_at, finished_at, public_url, error
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run with its steps in order.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	if s == nil || s.DB == nil {
		return Run{}, errors.New("journal store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, host, command, status, started_at, finished_at, public_url, error
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT idx, name, status, detail, duration_ms, started_at
		FROM steps WHERE run_id = ? ORDER BY idx ASC, id ASC`, id)
	if err != nil {
		return Run{}, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var step Step
		var detail sql.NullString
		var durationMS int64
		var startedAt string
		if err := rows.Scan(&step.Index, &step.Name, &step.Status, &detail, &durationMS, &startedAt); err != nil {
			return Run{}, fmt.Errorf("scan step: %w", err)
		}
		step.RunID = id
		step.Detail = detail.String
		step.Duration = time.Duration(durationMS) * time.Millisecond
		step.StartedAt = parseTime(startedAt)
		run.Steps = append(run.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return Run{}, fmt.Errorf("iterate steps: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var startedAt string
	var finishedAt, publicURL, errMsg sql.NullString
	if err := row.Scan(&run.ID, &run.Host, &run.Command, &run.Status, &startedAt, &finishedAt, &publicURL, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		run.FinishedAt = parseTime(finishedAt.String)
	}
	run.PublicURL = publicURL.String
	run.Error = errMsg.String
	return run, nil
}

// timeLayout is fixed-width so lexical order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
