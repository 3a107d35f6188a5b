package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/example/classbook/internal/event"
)

// Registry holds the current set of known events. Every operation serializes
// on one mutex, and the fetcher is never called while it is held.
type Registry struct {
	fetcher Fetcher
	now     func() time.Time

	mu        sync.Mutex
	events    map[string]event.Event
	issued    uint64 // fetches started
	installed uint64 // sequence of the installed snapshot
}

func NewRegistry(f Fetcher, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{fetcher: f, now: now, events: map[string]event.Event{}}
}

// GetAll returns a copy of the current snapshot.
func (r *Registry) GetAll() map[string]event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.events)
}

func (r *Registry) Get(id string) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return event.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ev, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// ReplaceAll fetches the events for day, drops the ones that already ended and
// installs the result. A fetch that completes after a newer one has been
// installed does not overwrite it; the newer snapshot is returned instead.
func (r *Registry) ReplaceAll(ctx context.Context, day time.Time) (map[string]event.Event, error) {
	r.mu.Lock()
	r.issued++
	seq := r.issued
	r.mu.Unlock()

	fetched, err := r.fetcher.FetchEvents(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", day.Format(time.DateOnly), err)
	}

	now := r.now()
	next := make(map[string]event.Event, len(fetched))
	for id, ev := range fetched {
		if ev.IsEnded(now) {
			continue
		}
		next[id] = ev
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq < r.installed {
		return maps.Clone(r.events), nil
	}
	r.installed = seq
	r.events = next
	return maps.Clone(next), nil
}

func (r *Registry) SetStatus(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ev.Status = status
	r.events[id] = ev
	return nil
}
