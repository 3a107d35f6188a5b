package scheduler

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/classbook/internal/event"
	"github.com/example/classbook/internal/store"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// facility is an in-memory stand-in for the remote service.
type facility struct {
	mu         sync.Mutex
	events     map[string]event.Event
	fetchErr   error
	fetches    int
	reserveOK  bool
	reserveErr error
	reserves   []string
	token      string
	refreshes  int

	// confirm marks the event as joined once a reservation succeeds.
	confirm bool
}

func newFacility(evs ...event.Event) *facility {
	f := &facility{events: map[string]event.Event{}, token: "tok", confirm: true}
	for _, ev := range evs {
		f.events[ev.ID] = ev
	}
	return f
}

func (f *facility) FetchEvents(ctx context.Context, day time.Time) (map[string]event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return maps.Clone(f.events), nil
}

func (f *facility) Reserve(ctx context.Context, ev event.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves = append(f.reserves, ev.ID)
	if f.reserveErr != nil {
		return false, f.reserveErr
	}
	if f.reserveOK && f.confirm {
		cur := f.events[ev.ID]
		cur.IsParticipant = true
		cur.AvailablePlaces--
		f.events[ev.ID] = cur
	}
	return f.reserveOK, nil
}

func (f *facility) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *facility) RefreshAuth(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.token = "fresh"
	return nil
}

func (f *facility) put(ev event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.ID] = ev
}

func (f *facility) set(fn func(f *facility)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *facility) reserveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserves)
}

func (f *facility) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeDisplay struct {
	mu      sync.Mutex
	calls   int
	refresh bool
	err     error
}

func (d *fakeDisplay) Render(ctx context.Context, events map[string]event.Event, iteration int, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.refresh, d.err
}

func (d *fakeDisplay) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type memRecorder struct {
	mu       sync.Mutex
	attempts []store.Attempt
	runs     []store.Run
}

func (r *memRecorder) RecordAttempt(ctx context.Context, a store.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *memRecorder) RecordRun(ctx context.Context, run store.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

// noJitter makes ComputeInterval return the base exactly.
func noJitter(n int64) int64 { return n / 2 }

var errBoom = errors.New("boom")

// spin is bookable, not started, full, and opens ten minutes after t0.
func spin(id string) event.Event {
	return event.Event{
		ID:       id,
		Name:     "Spinning " + id,
		OpensAt:  t0.Add(10 * time.Minute),
		StartsAt: t0.Add(2 * time.Hour),
		EndsAt:   t0.Add(3 * time.Hour),
	}
}

func newTestScheduler(t *testing.T, f *facility, clock *fakeClock, mutate func(*Options)) *Scheduler {
	t.Helper()
	quiet := zerolog.New(io.Discard)
	opts := Options{
		Fetcher:    f,
		Reserver:   f,
		Auth:       f,
		LongCycle:  10 * time.Minute,
		SmallCycle: 15 * time.Second,
		RetryDelay: 2 * time.Millisecond,
		GraceDelay: time.Millisecond,
		Tick:       2 * time.Millisecond,
		Location:   time.UTC,
		Now:        clock.Now,
		Jitter:     noJitter,
		Logger:     &quiet,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}
