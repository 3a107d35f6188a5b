package scheduler

import (
	"context"
	"time"

	"github.com/example/classbook/internal/event"
	"github.com/example/classbook/internal/store"
)

// Fetcher retrieves the facility's events for one calendar day.
type Fetcher interface {
	FetchEvents(ctx context.Context, day time.Time) (map[string]event.Event, error)
}

// Reserver attempts a reservation; true means the place is ours.
type Reserver interface {
	Reserve(ctx context.Context, ev event.Event) (bool, error)
}

// Authenticator owns the user's session token.
type Authenticator interface {
	Token() string
	RefreshAuth(ctx context.Context) error
}

// Display shows the current state and decides, on its own cadence, when the
// caller should refresh.
type Display interface {
	Render(ctx context.Context, events map[string]event.Event, iteration int, timeout time.Duration) (bool, error)
}

// AttemptRecorder receives an audit trail of reservation calls and booking
// outcomes.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a store.Attempt) error
	RecordRun(ctx context.Context, r store.Run) error
}
