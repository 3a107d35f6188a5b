// Package scheduler keeps the registry of a facility's events in sync, arms a
// booking loop per eligible event and adapts the polling cadence to upcoming
// booking windows.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/classbook/internal/event"
	xlog "github.com/example/classbook/internal/log"
	"github.com/example/classbook/internal/metrics"
)

const (
	DefaultLongCycle  = 10 * time.Minute
	DefaultSmallCycle = 15 * time.Second
	DefaultRetryDelay = 2 * time.Second
	DefaultGraceDelay = 2 * time.Second
	DefaultTick       = time.Second
)

// Options configures a Scheduler. Fetcher and Reserver are required.
type Options struct {
	Fetcher  Fetcher
	Reserver Reserver
	Auth     Authenticator
	Display  Display
	Recorder AttemptRecorder

	// AutoBook arms a booking loop for every newly eligible event whose name
	// matches AutoBookFilter (empty matches all).
	AutoBook       bool
	AutoBookFilter []string

	LongCycle  time.Duration
	SmallCycle time.Duration
	RetryDelay time.Duration
	// GraceDelay is the pause between a booking loop finishing and the
	// registry refresh that follows. Negative disables it.
	GraceDelay time.Duration
	Tick       time.Duration
	// Location decides which calendar day is fetched.
	Location *time.Location

	Now    func() time.Time
	Jitter func(n int64) int64
	Logger *zerolog.Logger
}

// Scheduler polls for events and attempts bookings via the facility API.
type Scheduler struct {
	opts     Options
	registry *Registry
	tasks    *TaskManager
	log      zerolog.Logger

	cycleMu     sync.Mutex
	timeout     time.Duration
	iteration   int
	lastRefresh time.Time

	runMu  sync.Mutex
	runCtx context.Context
	ready  chan struct{}
}

func New(opts Options) (*Scheduler, error) {
	if opts.Fetcher == nil || opts.Reserver == nil {
		return nil, fmt.Errorf("scheduler: fetcher and reserver are required")
	}
	if opts.LongCycle <= 0 {
		opts.LongCycle = DefaultLongCycle
	}
	if opts.SmallCycle <= 0 {
		opts.SmallCycle = DefaultSmallCycle
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.GraceDelay < 0 {
		opts.GraceDelay = 0
	} else if opts.GraceDelay == 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jitter == nil {
		opts.Jitter = rand.Int63n
	}
	l := xlog.WithComponent("scheduler")
	if opts.Logger != nil {
		l = *opts.Logger
	}

	return &Scheduler{
		opts:      opts,
		registry:  NewRegistry(opts.Fetcher, opts.Now),
		tasks:     NewTaskManager(),
		log:       l,
		timeout:   opts.LongCycle,
		iteration: 1,
		ready:     make(chan struct{}),
	}, nil
}

func (s *Scheduler) Registry() *Registry { return s.registry }

func (s *Scheduler) Tasks() *TaskManager { return s.tasks }

// Ready is closed once Run has started. From then on booking tasks outlive
// the context passed to StartOrCancel and Toggle.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Cycle returns the iteration count since the last interval recompute and the
// current interval.
func (s *Scheduler) Cycle() (int, time.Duration) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.iteration, s.timeout
}

// Run drives the refresh loop until ctx is done, then waits for every booking
// task to exit.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.runCtx != nil {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.runCtx = ctx
	close(s.ready)
	s.runMu.Unlock()

	s.log.Info().Bool("auto_book", s.opts.AutoBook).Msg("refresh loop started")

	var baseline map[string]event.Event
	for ctx.Err() == nil {
		baseline = s.iterate(ctx, baseline)

		s.cycleMu.Lock()
		s.iteration++
		s.cycleMu.Unlock()

		if !sleep(ctx, s.opts.Tick) {
			break
		}
	}

	s.tasks.Close()
	s.tasks.Wait()
	s.log.Info().Msg("refresh loop stopped")
	return ctx.Err()
}

// iterate runs one refresh loop pass and returns the diff baseline for the
// next one. Failures are logged and never end the loop.
func (s *Scheduler) iterate(ctx context.Context, baseline map[string]event.Event) (next map[string]event.Event) {
	next = baseline
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("refresh iteration panicked")
		}
	}()

	s.pruneTasks()

	if len(baseline) == 0 {
		if !s.refreshDue() {
			return baseline
		}
		return s.refreshOrKeep(ctx, baseline)
	}

	if s.shouldRender(ctx) {
		return s.refreshOrKeep(ctx, baseline)
	}
	return baseline
}

// refreshDue throttles refreshes while the baseline is empty, so a facility
// with no events today (or an unreachable one) is polled every SmallCycle
// rather than every tick.
func (s *Scheduler) refreshDue() bool {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.lastRefresh.IsZero() || s.opts.Now().Sub(s.lastRefresh) >= s.opts.SmallCycle
}

func (s *Scheduler) shouldRender(ctx context.Context) bool {
	iter, timeout := s.Cycle()
	if s.opts.Display == nil {
		return time.Duration(iter)*s.opts.Tick >= timeout
	}
	refresh, err := s.opts.Display.Render(ctx, s.registry.GetAll(), iter, timeout)
	if err != nil {
		metrics.IncRefreshFailure("render")
		s.log.Warn().Err(err).Msg("render failed")
	}
	return refresh
}

func (s *Scheduler) refreshOrKeep(ctx context.Context, baseline map[string]event.Event) map[string]event.Event {
	next, err := s.Refresh(ctx, baseline)
	if err != nil {
		metrics.IncRefreshFailure("fetch")
		s.log.Warn().Err(err).Msg("refresh failed")
		return baseline
	}
	return next
}

// Refresh fetches a new snapshot, arms booking loops for events that became
// eligible since baseline (when auto-booking) and recomputes the interval.
// The new snapshot is returned as the next baseline.
func (s *Scheduler) Refresh(ctx context.Context, baseline map[string]event.Event) (map[string]event.Event, error) {
	s.cycleMu.Lock()
	s.lastRefresh = s.opts.Now()
	s.cycleMu.Unlock()

	next, err := s.registry.ReplaceAll(ctx, s.today())
	if err != nil {
		return nil, err
	}
	metrics.SetTrackedEvents(len(next))

	if s.opts.AutoBook {
		for _, id := range event.Diff(next, baseline, s.opts.Now()) {
			ev := next[id]
			if !ev.MatchesAny(s.opts.AutoBookFilter) {
				continue
			}
			s.StartOrCancel(ctx, ev)
		}
	}

	s.recomputeInterval(next)
	return next, nil
}

// recomputeInterval sets a new interval and resets the iteration count. extra
// ids count as tracked even if a prune pass already dropped their task.
func (s *Scheduler) recomputeInterval(events map[string]event.Event, extra ...string) {
	d := ComputeInterval(append(s.tasks.IDs(), extra...), events, s.opts.Now(), s.opts.LongCycle, s.opts.SmallCycle, s.opts.Jitter)

	s.cycleMu.Lock()
	s.timeout = d
	s.iteration = 1
	s.cycleMu.Unlock()

	metrics.SetCycleTimeout(d)
	s.log.Debug().Dur("timeout", d).Msg("interval recomputed")
}

// pruneTasks drops finished tasks and marks events with a running task as
// "Booking" unless the user already holds a place.
func (s *Scheduler) pruneTasks() {
	for id, t := range s.tasks.GetAll() {
		if t.Done() {
			s.tasks.removeTask(id, t)
			continue
		}
		ev, err := s.registry.Get(id)
		if err != nil {
			s.log.Debug().Err(err).Str("event_id", id).Msg("prune: event not in registry")
			continue
		}
		if !ev.IsParticipant && ev.Status != event.StatusBooking {
			_ = s.registry.SetStatus(id, event.StatusBooking)
		}
	}
	metrics.SetLiveTasks(s.tasks.Len())
}

// ToggleResult reports what StartOrCancel did.
type ToggleResult int

const (
	ToggleIgnored ToggleResult = iota
	ToggleArmed
	ToggleCancelled
)

func (r ToggleResult) String() string {
	switch r {
	case ToggleArmed:
		return "armed"
	case ToggleCancelled:
		return "cancelled"
	default:
		return "ignored"
	}
}

// StartOrCancel arms a booking loop for ev, or cancels the one already running.
// Events that have started are left alone.
func (s *Scheduler) StartOrCancel(ctx context.Context, ev event.Event) ToggleResult {
	now := s.opts.Now()
	l := s.log.With().Str("event_id", ev.ID).Str("event", ev.Name).Logger()
	if ev.IsStarted(now) {
		l.Info().Msg("event already started")
		return ToggleIgnored
	}

	parent := s.parent(ctx)
	if parent.Err() != nil {
		return ToggleIgnored
	}
	loop := func(ctx context.Context, t *Task) BookingState { return s.bookLoop(ctx, t, ev) }
	after := func(t *Task) { s.afterBooking(parent, t, ev) }

	t, cancelled := s.tasks.toggle(parent, ev.ID, loop, after)
	if t == nil {
		l.Debug().Msg("engine stopped, not arming")
		return ToggleIgnored
	}
	if cancelled {
		if err := s.registry.SetStatus(ev.ID, ev.ComputedStatus(now)); err != nil {
			l.Debug().Err(err).Msg("reset status")
		}
		l.Info().Str("run_id", t.RunID).Msg("booking cancelled")
		return ToggleCancelled
	}
	l.Info().Str("run_id", t.RunID).Time("opens_at", ev.OpensAt).Msg("booking armed")
	metrics.SetLiveTasks(s.tasks.Len())
	return ToggleArmed
}

// Toggle looks up id in the registry and calls StartOrCancel for it.
func (s *Scheduler) Toggle(ctx context.Context, id string) (ToggleResult, error) {
	ev, err := s.registry.Get(id)
	if err != nil {
		return ToggleIgnored, err
	}
	return s.StartOrCancel(ctx, ev), nil
}

// EventIDByIndex returns the id of the i-th event ordered by start time. A
// negative index counts as its absolute value.
func (s *Scheduler) EventIDByIndex(i int) (string, bool) {
	if i < 0 {
		i = -i
	}
	sorted := event.Sorted(s.registry.GetAll())
	if i >= len(sorted) {
		return "", false
	}
	return sorted[i].ID, true
}

// parent returns the context booking tasks hang off: the refresh loop's when
// it is running, so tasks armed from short-lived request contexts survive.
func (s *Scheduler) parent(ctx context.Context) context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return ctx
}

func (s *Scheduler) today() time.Time {
	now := s.opts.Now().In(s.opts.Location)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
