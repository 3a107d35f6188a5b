package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/classbook/internal/event"
	"github.com/example/classbook/internal/metrics"
	"github.com/example/classbook/internal/store"
)

// terminalState is the single exit condition of a booking loop. It returns
// StatePolling while the loop should keep going.
func terminalState(ev event.Event, found bool, now time.Time) BookingState {
	switch {
	case !found:
		return StateVanished
	case ev.IsEnded(now):
		return StateEnded
	case ev.IsStarted(now):
		return StateStarted
	case !ev.IsBookable(now):
		return StateUnbookable
	}
	return StatePolling
}

// bookLoop retries the reservation for ev every RetryDelay until a terminal
// state is reached or ctx is cancelled.
func (s *Scheduler) bookLoop(ctx context.Context, t *Task, ev event.Event) BookingState {
	l := s.log.With().Str("event_id", ev.ID).Str("event", ev.Name).Str("run_id", t.RunID).Logger()

	for {
		if ctx.Err() != nil {
			return StateCancelled
		}

		found := true
		cur, err := s.registry.Get(ev.ID)
		if err != nil {
			l.Warn().Err(err).Msg("event lookup failed")
			found = false
		} else {
			ev = cur
		}

		if st := terminalState(ev, found, s.opts.Now()); st != StatePolling {
			return st
		}

		// Participants are re-confirmed rather than skipped.
		if ev.AvailablePlaces > 0 || ev.IsParticipant {
			if s.reserve(ctx, l, t, ev) {
				return StateSucceeded
			}
			if ctx.Err() != nil {
				return StateCancelled
			}
		}

		if !sleep(ctx, s.opts.RetryDelay) {
			return StateCancelled
		}
	}
}

func (s *Scheduler) reserve(ctx context.Context, l zerolog.Logger, t *Task, ev event.Event) bool {
	if s.opts.Auth != nil && s.opts.Auth.Token() == "" {
		if err := s.opts.Auth.RefreshAuth(ctx); err != nil {
			metrics.IncRefreshFailure("auth")
			l.Warn().Err(err).Msg("auth refresh failed")
			return false
		}
	}

	t.addAttempt()
	ok, err := s.opts.Reserver.Reserve(ctx, ev)
	switch {
	case err != nil:
		metrics.RecordReservation("error")
		l.Debug().Err(err).Msg("reservation failed")
	case ok:
		metrics.RecordReservation("success")
		l.Info().Msg("reservation confirmed")
	default:
		metrics.RecordReservation("rejected")
	}

	s.record(ctx, func(ctx context.Context, r AttemptRecorder) error {
		return r.RecordAttempt(ctx, store.Attempt{
			RunID:     t.RunID,
			EventID:   ev.ID,
			EventName: ev.Name,
			Success:   ok && err == nil,
			Err:       err,
			At:        s.opts.Now(),
		})
	})
	return ok && err == nil
}

// afterBooking runs once a booking loop has finished, whatever the outcome:
// after a short grace period the registry is refreshed and the interval
// recomputed from the fresh snapshot. Nothing is refreshed once the refresh
// loop's context is done.
func (s *Scheduler) afterBooking(parent context.Context, t *Task, ev event.Event) {
	st := t.State()
	metrics.RecordBookingExit(st.String())
	s.log.Info().
		Str("event_id", ev.ID).
		Str("event", ev.Name).
		Str("run_id", t.RunID).
		Str("state", st.String()).
		Int("attempts", t.Attempts()).
		Msg("booking loop finished")

	s.record(parent, func(ctx context.Context, r AttemptRecorder) error {
		return r.RecordRun(ctx, store.Run{
			RunID:      t.RunID,
			EventID:    ev.ID,
			EventName:  ev.Name,
			State:      st.String(),
			Attempts:   t.Attempts(),
			StartedAt:  t.StartedAt,
			FinishedAt: s.opts.Now(),
		})
	})

	if !sleep(parent, s.opts.GraceDelay) {
		return
	}
	next, err := s.registry.ReplaceAll(parent, s.today())
	if err != nil {
		metrics.IncRefreshFailure("fetch")
		s.log.Warn().Err(err).Str("event_id", ev.ID).Msg("post-booking refresh failed")
		return
	}
	s.recomputeInterval(next, ev.ID)
}

// record hands an entry to the recorder without letting task cancellation cut
// the write short.
func (s *Scheduler) record(ctx context.Context, fn func(context.Context, AttemptRecorder) error) {
	if s.opts.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := fn(ctx, s.opts.Recorder); err != nil {
		s.log.Warn().Err(err).Msg("record booking attempt")
	}
}
