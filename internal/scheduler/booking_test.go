package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/classbook/internal/event"
)

func TestTerminalState(t *testing.T) {
	bookable := spin("a")

	ended := spin("a")
	ended.Status = event.StatusEnded

	started := spin("a")
	started.StartsAt = t0.Add(-time.Minute)

	closed := spin("a")
	closed.ClosesAt = t0.Add(-time.Minute)

	tests := []struct {
		name  string
		ev    event.Event
		found bool
		want  BookingState
	}{
		{"bookable", bookable, true, StatePolling},
		{"missing", bookable, false, StateVanished},
		{"ended", ended, true, StateEnded},
		{"started", started, true, StateStarted},
		{"unbookable", closed, true, StateUnbookable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, terminalState(tt.ev, tt.found, t0))
		})
	}
}

func runLoop(t *testing.T, s *Scheduler, ev event.Event, timeout time.Duration) (BookingState, *Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	task := &Task{RunID: "run-" + ev.ID}
	return s.bookLoop(ctx, task, ev), task
}

func TestBookLoopTerminalExitsWithoutReserve(t *testing.T) {
	clock := newClock(t0)

	started := spin("started")
	started.StartsAt = t0.Add(-time.Minute)
	started.AvailablePlaces = 5

	ended := spin("ended")
	ended.Status = event.StatusEnded
	ended.AvailablePlaces = 5

	closed := spin("closed")
	closed.ClosesAt = t0.Add(-time.Minute)
	closed.AvailablePlaces = 5

	missing := spin("missing")
	missing.AvailablePlaces = 5

	f := newFacility(started, ended, closed)
	s := newTestScheduler(t, f, clock, nil)
	// Ended events are filtered out on replace; install them directly.
	s.registry.events = map[string]event.Event{"started": started, "ended": ended, "closed": closed}

	for ev, want := range map[*event.Event]BookingState{
		&started: StateStarted,
		&ended:   StateEnded,
		&closed:  StateUnbookable,
		&missing: StateVanished,
	} {
		st, task := runLoop(t, s, *ev, time.Second)
		assert.Equal(t, want, st, ev.ID)
		assert.Zero(t, task.Attempts(), ev.ID)
	}
	assert.Zero(t, f.reserveCount())
}

func TestBookLoopWaitsForPlaces(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	st, _ := runLoop(t, s, spin("a"), 30*time.Millisecond)
	assert.Equal(t, StateCancelled, st)
	assert.Zero(t, f.reserveCount(), "no places and not a participant: never reserve")
}

func TestBookLoopReservesWhenPlacesAppear(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.AvailablePlaces = 1
	f := newFacility(ev)
	f.reserveOK = true
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	st, task := runLoop(t, s, ev, time.Second)
	assert.Equal(t, StateSucceeded, st)
	assert.Equal(t, 1, task.Attempts())
	assert.Equal(t, []string{"a"}, f.reserves)
}

func TestBookLoopReconfirmsParticipant(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.IsParticipant = true
	f := newFacility(ev)
	f.reserveOK = true
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	st, _ := runLoop(t, s, ev, time.Second)
	assert.Equal(t, StateSucceeded, st)
	assert.Equal(t, 1, f.reserveCount())
}

func TestBookLoopRetriesReserveErrors(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.AvailablePlaces = 2
	f := newFacility(ev)
	f.reserveErr = errBoom
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	st, task := runLoop(t, s, ev, 50*time.Millisecond)
	assert.Equal(t, StateCancelled, st)
	assert.Greater(t, task.Attempts(), 1, "errors are retried like a full class")
}

func TestBookLoopRefreshesEmptyToken(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.AvailablePlaces = 1
	f := newFacility(ev)
	f.token = ""
	f.reserveOK = true
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	st, _ := runLoop(t, s, ev, time.Second)
	assert.Equal(t, StateSucceeded, st)
	assert.Equal(t, 1, f.refreshes)
	assert.Equal(t, "fresh", f.Token())
}

func TestBookLoopStopsWhenEventStarts(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		clock.Set(t0.Add(2*time.Hour + time.Minute))
	}()
	st, _ := runLoop(t, s, spin("a"), time.Second)
	assert.Equal(t, StateStarted, st)
}

func TestAfterBookingRefreshesAndRecords(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.AvailablePlaces = 1
	f := newFacility(ev)
	f.reserveOK = true
	rec := &memRecorder{}
	s := newTestScheduler(t, f, clock, func(o *Options) { o.Recorder = rec })

	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)
	fetches := f.fetchCount()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := s.tasks.spawn(ctx, "a",
		func(ctx context.Context, t *Task) BookingState { return s.bookLoop(ctx, t, ev) },
		func(t *Task) { s.afterBooking(ctx, t, ev) })
	<-task.Exited()

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, fetches+1, f.fetchCount(), "one refresh after the loop")

	got, err := s.registry.Get("a")
	require.NoError(t, err)
	assert.True(t, got.IsParticipant)

	_, timeout := s.Cycle()
	assert.Equal(t, 15*time.Second, timeout)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.attempts, 1)
	assert.True(t, rec.attempts[0].Success)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, "succeeded", rec.runs[0].State)
	assert.Equal(t, 1, rec.runs[0].Attempts)
}

func TestAfterBookingSkipsRefreshOnShutdown(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)
	fetches := f.fetchCount()

	ctx, cancel := context.WithCancel(context.Background())
	task := s.tasks.spawn(ctx, "a",
		func(ctx context.Context, t *Task) BookingState { return s.bookLoop(ctx, t, spin("a")) },
		func(t *Task) { s.afterBooking(ctx, t, spin("a")) })
	cancel()
	<-task.Exited()

	assert.Equal(t, StateCancelled, task.State())
	assert.Equal(t, fetches, f.fetchCount())
}
