package scheduler

import "errors"

var (
	// ErrNotFound is returned when an event id is not in the registry. Callers
	// treat it as "the event vanished" and stop depending on it.
	ErrNotFound = errors.New("event not found")

	ErrAlreadyRunning = errors.New("scheduler: already running")
)
