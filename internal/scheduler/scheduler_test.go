package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/classbook/internal/event"
)

type displayFunc func(ctx context.Context, events map[string]event.Event, iteration int, timeout time.Duration) (bool, error)

func (f displayFunc) Render(ctx context.Context, events map[string]event.Event, iteration int, timeout time.Duration) (bool, error) {
	return f(ctx, events, iteration, timeout)
}

func startRun(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("refresh loop did not stop")
		}
	})
	return cancel, errc
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	s, err := New(Options{Fetcher: newFacility(), Reserver: newFacility()})
	require.NoError(t, err)
	it, timeout := s.Cycle()
	assert.Equal(t, 1, it)
	assert.Equal(t, DefaultLongCycle, timeout)
}

func TestStartOrCancelToggles(t *testing.T) {
	clock := newClock(t0)
	ev := spin("a")
	ev.Status = event.StatusUpcoming
	f := newFacility(ev)
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer s.tasks.Wait()
	defer cancel()

	assert.Equal(t, ToggleArmed, s.StartOrCancel(ctx, ev))
	task, ok := s.tasks.Get("a")
	require.True(t, ok)
	require.NoError(t, s.registry.SetStatus("a", event.StatusBooking))

	assert.Equal(t, ToggleCancelled, s.StartOrCancel(ctx, ev))
	_, ok = s.tasks.Get("a")
	assert.False(t, ok)

	got, err := s.registry.Get("a")
	require.NoError(t, err)
	assert.Equal(t, event.StatusUpcoming, got.Status)

	<-task.Exited()
	assert.Equal(t, StateCancelled, task.State())
	assert.Zero(t, f.reserveCount())
}

func TestStartOrCancelIgnoresStartedEvent(t *testing.T) {
	clock := newClock(t0.Add(2*time.Hour + time.Minute))
	s := newTestScheduler(t, newFacility(), clock, nil)

	assert.Equal(t, ToggleIgnored, s.StartOrCancel(context.Background(), spin("a")))
	assert.Zero(t, s.tasks.Len())
}

func TestRefreshArmsNewlyEligibleOnce(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"), spin("b"))
	s := newTestScheduler(t, f, clock, func(o *Options) { o.AutoBook = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer s.tasks.Wait()
	defer cancel()

	first, err := s.Refresh(ctx, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	before := s.tasks.GetAll()
	require.Len(t, before, 2)

	second, err := s.Refresh(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	after := s.tasks.GetAll()
	require.Len(t, after, 2)
	for id, task := range before {
		assert.Same(t, task, after[id], "an unchanged snapshot must not restart %s", id)
	}

	_, timeout := s.Cycle()
	assert.Equal(t, 15*time.Second, timeout)
}

func TestRefreshHonoursFilter(t *testing.T) {
	clock := newClock(t0)
	yoga := spin("b")
	yoga.Name = "Morning Yoga"
	f := newFacility(spin("a"), yoga)
	s := newTestScheduler(t, f, clock, func(o *Options) {
		o.AutoBook = true
		o.AutoBookFilter = []string{"yoga"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer s.tasks.Wait()
	defer cancel()

	_, err := s.Refresh(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, s.tasks.IDs())
}

func TestRefreshWithoutAutoBook(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	s := newTestScheduler(t, f, clock, nil)

	next, err := s.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, next, 1)
	assert.Zero(t, s.tasks.Len())

	_, timeout := s.Cycle()
	assert.Equal(t, 10*time.Minute, timeout, "nothing tracked")
}

func TestRefreshFetchError(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	f.fetchErr = errBoom
	s := newTestScheduler(t, f, clock, nil)

	_, err := s.Refresh(context.Background(), nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestPruneTasks(t *testing.T) {
	clock := newClock(t0)
	joined := spin("b")
	joined.IsParticipant = true
	f := newFacility(spin("a"), joined, spin("c"))
	s := newTestScheduler(t, f, clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	defer s.tasks.Wait()
	defer s.tasks.Close()

	running := s.tasks.spawn(context.Background(), "a", blockUntilCancelled, nil)
	s.tasks.spawn(context.Background(), "b", blockUntilCancelled, nil)
	finished := s.tasks.spawn(context.Background(), "c",
		func(ctx context.Context, t *Task) BookingState { return StateUnbookable }, nil)
	<-finished.Exited()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, s.tasks.IDs(), "finished tasks stay until the next prune")
	assert.True(t, finished.Done())

	s.pruneTasks()

	assert.ElementsMatch(t, []string{"a", "b"}, s.tasks.IDs())
	assert.False(t, running.Done())

	a, _ := s.registry.Get("a")
	assert.Equal(t, event.StatusBooking, a.Status)
	b, _ := s.registry.Get("b")
	assert.Empty(t, b.Status, "a participant keeps its status")
	c, _ := s.registry.Get("c")
	assert.Empty(t, c.Status)
}

func TestToggleByID(t *testing.T) {
	clock := newClock(t0)
	s := newTestScheduler(t, newFacility(spin("a")), clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer s.tasks.Wait()
	defer cancel()

	_, err = s.Toggle(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	res, err := s.Toggle(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ToggleArmed, res)

	res, err = s.Toggle(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ToggleCancelled, res)
}

func TestEventIDByIndex(t *testing.T) {
	clock := newClock(t0)
	early := spin("b")
	early.StartsAt = t0.Add(time.Hour)
	s := newTestScheduler(t, newFacility(spin("a"), early), clock, nil)
	_, err := s.registry.ReplaceAll(context.Background(), t0)
	require.NoError(t, err)

	id, ok := s.EventIDByIndex(0)
	assert.True(t, ok)
	assert.Equal(t, "b", id)

	id, ok = s.EventIDByIndex(-1)
	assert.True(t, ok)
	assert.Equal(t, "a", id)

	_, ok = s.EventIDByIndex(2)
	assert.False(t, ok)
}

func TestRunBooksAndReturnsToSmallCycle(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	display := &fakeDisplay{}
	s := newTestScheduler(t, f, clock, func(o *Options) {
		o.AutoBook = true
		o.Display = display
	})

	startRun(t, s)

	require.Eventually(t, func() bool {
		_, ok := s.tasks.Get("a")
		return ok
	}, time.Second, time.Millisecond, "first refresh arms the event")

	require.Eventually(t, func() bool {
		ev, err := s.registry.Get("a")
		return err == nil && ev.Status == event.StatusBooking
	}, time.Second, time.Millisecond)
	assert.Zero(t, f.reserveCount(), "a full class is never reserved")

	f.set(func(f *facility) {
		ev := f.events["a"]
		ev.AvailablePlaces = 1
		f.events["a"] = ev
		f.reserveOK = true
	})
	s.runMu.Lock()
	runCtx := s.runCtx
	s.runMu.Unlock()
	_, err := s.Refresh(runCtx, s.Registry().GetAll())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, err := s.registry.Get("a")
		return err == nil && ev.IsParticipant && s.tasks.Len() == 0
	}, time.Second, time.Millisecond, "booked and pruned")

	assert.Equal(t, 1, f.reserveCount())
	_, timeout := s.Cycle()
	assert.Equal(t, 15*time.Second, timeout)
	assert.Positive(t, display.callCount())
}

func TestRunSurvivesFailures(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	f.fetchErr = errBoom
	display := &fakeDisplay{refresh: true, err: errBoom}
	s := newTestScheduler(t, f, clock, func(o *Options) { o.Display = display })

	_, errc := startRun(t, s)

	require.Eventually(t, func() bool { return f.fetchCount() >= 1 }, time.Second, time.Millisecond)
	assert.Zero(t, s.registry.Len())

	f.set(func(f *facility) { f.fetchErr = nil })
	clock.Set(t0.Add(15 * time.Second))

	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return display.callCount() > 3 }, time.Second, time.Millisecond)

	select {
	case err := <-errc:
		t.Fatalf("refresh loop exited: %v", err)
	default:
	}
}

func TestRunSurvivesPanics(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	calls := make(chan struct{}, 16)
	s := newTestScheduler(t, f, clock, func(o *Options) {
		o.Display = displayFunc(func(context.Context, map[string]event.Event, int, time.Duration) (bool, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			panic("render")
		})
	})

	startRun(t, s)

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("refresh loop stopped after a panic")
		}
	}
}

func TestRunWithoutDisplayUsesIterationCount(t *testing.T) {
	clock := newClock(t0)
	f := newFacility(spin("a"))
	s := newTestScheduler(t, f, clock, func(o *Options) {
		o.LongCycle = 20 * time.Millisecond
		o.SmallCycle = 20 * time.Millisecond
	})

	startRun(t, s)

	require.Eventually(t, func() bool { return f.fetchCount() >= 3 }, 2*time.Second, time.Millisecond)
}

func TestStartOrCancelAfterRunStops(t *testing.T) {
	clock := newClock(t0)
	s := newTestScheduler(t, newFacility(spin("a")), clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	assert.Equal(t, ToggleIgnored, s.StartOrCancel(context.Background(), spin("a")))
	assert.Zero(t, s.tasks.Len())
}

func TestToggledTaskOutlivesRequestContext(t *testing.T) {
	clock := newClock(t0)
	s := newTestScheduler(t, newFacility(spin("a")), clock, nil)

	select {
	case <-s.Ready():
		t.Fatal("ready before Run")
	default:
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(runCtx) }()
	<-s.Ready()
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, time.Second, time.Millisecond)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	res, err := s.Toggle(reqCtx, "a")
	require.NoError(t, err)
	require.Equal(t, ToggleArmed, res)
	cancelReq()

	task, ok := s.tasks.Get("a")
	require.True(t, ok)
	assert.Never(t, task.Done, 50*time.Millisecond, 5*time.Millisecond, "request end must not cancel the task")

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)

	cancelRun()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.True(t, task.Done())
}

func TestSnapshot(t *testing.T) {
	clock := newClock(t0)
	early := spin("b")
	early.StartsAt = t0.Add(time.Hour)
	s := newTestScheduler(t, newFacility(spin("a"), early), clock, func(o *Options) { o.AutoBook = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer s.tasks.Wait()
	defer cancel()

	_, err := s.Refresh(ctx, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "b", snap.Events[0].ID)
	assert.True(t, snap.AutoBook)
	assert.Equal(t, 15*time.Second, snap.Timeout)
	require.Contains(t, snap.Tasks, "a")
	assert.Equal(t, "polling", snap.Tasks["a"].State)
	assert.False(t, snap.Tasks["a"].Done)
	assert.NotEmpty(t, snap.Tasks["a"].RunID)
}
