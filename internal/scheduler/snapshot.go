package scheduler

import (
	"time"

	"github.com/example/classbook/internal/event"
)

// TaskStatus describes one registered booking task.
type TaskStatus struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Done      bool      `json:"done"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is a point-in-time view of the engine for status pages.
type Snapshot struct {
	Events    []event.Event         `json:"events"`
	Tasks     map[string]TaskStatus `json:"tasks"`
	Iteration int                   `json:"iteration"`
	Timeout   time.Duration         `json:"timeout"`
	AutoBook  bool                  `json:"auto_book"`
}

// Snapshot returns the events ordered by start time together with the task
// registry and the refresh cadence. The pieces are read one after the other,
// not atomically.
func (s *Scheduler) Snapshot() Snapshot {
	iter, timeout := s.Cycle()
	tasks := s.tasks.GetAll()
	out := Snapshot{
		Events:    event.Sorted(s.registry.GetAll()),
		Tasks:     make(map[string]TaskStatus, len(tasks)),
		Iteration: iter,
		Timeout:   timeout,
		AutoBook:  s.opts.AutoBook,
	}
	for id, t := range tasks {
		out.Tasks[id] = TaskStatus{
			EventID:   id,
			RunID:     t.RunID,
			State:     t.State().String(),
			Done:      t.Done(),
			Attempts:  t.Attempts(),
			StartedAt: t.StartedAt,
		}
	}
	return out
}
