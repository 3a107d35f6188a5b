package scheduler

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BookingState is the state of a booking loop.
type BookingState int32

const (
	StatePolling BookingState = iota
	StateSucceeded
	StateEnded
	StateStarted
	StateUnbookable
	StateVanished
	StateCancelled
)

func (s BookingState) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateEnded:
		return "ended"
	case StateStarted:
		return "started"
	case StateUnbookable:
		return "unbookable"
	case StateVanished:
		return "vanished"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LoopFunc runs a booking loop until it reaches a terminal state.
type LoopFunc func(ctx context.Context, t *Task) BookingState

// Task is one booking attempt for one event. It is finished once its loop has
// returned a terminal state; any follow-up work after that does not keep it
// live.
type Task struct {
	EventID   string
	RunID     string
	StartedAt time.Time

	cancel   context.CancelFunc
	finished chan struct{}
	exited   chan struct{}
	state    atomic.Int32
	attempts atomic.Int32
}

// Done reports whether the loop has reached a terminal state.
func (t *Task) Done() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

// Cancel stops the loop at its next suspension point. Cancelling a finished
// task is a no-op.
func (t *Task) Cancel() { t.cancel() }

// Exited is closed once the task goroutine, including its follow-up work, has
// returned.
func (t *Task) Exited() <-chan struct{} { return t.exited }

func (t *Task) State() BookingState { return BookingState(t.state.Load()) }

// Attempts is the number of reservation calls made so far.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

func (t *Task) addAttempt() { t.attempts.Add(1) }

// TaskManager tracks at most one live booking task per event id. Its mutex is
// independent from the registry's and the two are never held together.
type TaskManager struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: map[string]*Task{}}
}

// GetAll returns a copy of the registered tasks, finished ones included.
func (m *TaskManager) GetAll() map[string]*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.tasks)
}

func (m *TaskManager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// IDs returns the event ids of every registered task.
func (m *TaskManager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		out = append(out, id)
	}
	return out
}

func (m *TaskManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Remove forgets the task for id. Removing an absent id is a no-op.
func (m *TaskManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// removeTask forgets id only if it still maps to t, so a prune pass never
// drops a task spawned after it took its snapshot.
func (m *TaskManager) removeTask(id string, t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[id]; ok && cur == t {
		delete(m.tasks, id)
		return true
	}
	return false
}

// spawn starts loop for id and registers it, cancelling any live task already
// registered for the same id. after runs once the loop has finished.
func (m *TaskManager) spawn(parent context.Context, id string, loop LoopFunc, after func(*Task)) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if old, ok := m.tasks[id]; ok {
		old.Cancel()
	}
	t := m.start(parent, id, loop, after)
	m.tasks[id] = t
	return t
}

// toggle cancels and removes the live task for id if there is one; otherwise
// it starts a new one. The decision and the registration happen under one
// lock acquisition. Once the manager is closed nothing new is started and t
// is nil.
func (m *TaskManager) toggle(parent context.Context, id string, loop LoopFunc, after func(*Task)) (t *Task, cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.tasks[id]; ok && !old.Done() {
		old.Cancel()
		delete(m.tasks, id)
		return old, true
	}
	if m.closed {
		return nil, false
	}
	t = m.start(parent, id, loop, after)
	m.tasks[id] = t
	return t, false
}

// Close stops the manager from starting new tasks and cancels every
// registered one without removing it. Call it before Wait.
func (m *TaskManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.tasks {
		t.Cancel()
	}
}

// Wait blocks until every spawned task goroutine has exited.
func (m *TaskManager) Wait() {
	m.wg.Wait()
}

func (m *TaskManager) start(parent context.Context, id string, loop LoopFunc, after func(*Task)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		EventID:   id,
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		cancel:    cancel,
		finished:  make(chan struct{}),
		exited:    make(chan struct{}),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(t.exited)
		st := loop(ctx, t)
		t.state.Store(int32(st))
		cancel()
		close(t.finished)
		if after != nil {
			after(t)
		}
	}()
	return t
}
