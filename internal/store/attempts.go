// Package store records reservation attempts and booking outcomes for later
// inspection. Nothing here is read back to drive scheduling.
package store

import (
	"context"
	"time"

	"github.com/example/classbook/internal/db"
)

// Attempt is a single call to the facility's reservation endpoint.
type Attempt struct {
	RunID     string
	EventID   string
	EventName string
	Success   bool
	Err       error
	At        time.Time
}

// Run is the outcome of one booking loop.
type Run struct {
	RunID      string    `json:"run_id"`
	EventID    string    `json:"event_id"`
	EventName  string    `json:"event_name"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AttemptRow is an attempt as read back for display.
type AttemptRow struct {
	ID          int64
	RunID       string
	EventID     string
	EventName   string
	Success     bool
	Error       *string
	AttemptedAt time.Time
}

// querier is the part of *db.DB the repo uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) error
	QueryRow(ctx context.Context, sql string, args ...any) db.Row
	Query(ctx context.Context, sql string, args ...any) (db.Rows, error)
}

type Repo struct{ db querier }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

func (r *Repo) RecordAttempt(ctx context.Context, a Attempt) error {
	return r.db.Exec(ctx, `
INSERT INTO booking_attempts(run_id,event_id,event_name,success,error,attempted_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		a.RunID, a.EventID, a.EventName, a.Success, errString(a.Err), orNow(a.At),
	)
}

func (r *Repo) RecordRun(ctx context.Context, run Run) error {
	return r.db.Exec(ctx, `
INSERT INTO booking_runs(run_id,event_id,event_name,state,attempts,started_at,finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (run_id) DO UPDATE SET state=EXCLUDED.state, attempts=EXCLUDED.attempts, finished_at=EXCLUDED.finished_at`,
		run.RunID, run.EventID, run.EventName, run.State, run.Attempts, run.StartedAt, orNow(run.FinishedAt),
	)
}

func (r *Repo) Recent(ctx context.Context, limit int) ([]AttemptRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT id,run_id,event_id,event_name,success,error,attempted_at
FROM booking_attempts
ORDER BY attempted_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		if err := rows.Scan(&a.ID, &a.RunID, &a.EventID, &a.EventName, &a.Success, &a.Error, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RunByID returns the recorded outcome of one booking loop. Runs are recorded
// when the loop exits, so a live run is db.ErrNotFound.
func (r *Repo) RunByID(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := r.db.QueryRow(ctx, `
SELECT run_id,event_id,event_name,state,attempts,started_at,finished_at
FROM booking_runs WHERE run_id=$1`, runID,
	).Scan(&run.RunID, &run.EventID, &run.EventName, &run.State, &run.Attempts, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return Run{}, db.WrapNotFound(err)
	}
	return run, nil
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
