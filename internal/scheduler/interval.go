package scheduler

import (
	"time"

	"github.com/example/classbook/internal/event"
)

// OpeningLead is how long before a booking window opens polling tightens.
const OpeningLead = 30 * time.Minute

// ComputeInterval returns the next refresh interval. The base is small when
// any tracked event's booking window opens within OpeningLead of now (or has
// already opened), long otherwise. A uniform jitter of up to ±20% of the base,
// in whole seconds, is applied; jitter(n) must return a value in [0, n).
func ComputeInterval(tracked []string, events map[string]event.Event, now time.Time, long, small time.Duration, jitter func(n int64) int64) time.Duration {
	cycle := long
	for _, id := range tracked {
		ev, ok := events[id]
		if !ok {
			continue
		}
		if now.After(ev.OpensAt.Add(-OpeningLead)) {
			cycle = small
			break
		}
	}

	x := int64(cycle/time.Second) / 5
	if x > 0 && jitter != nil {
		cycle += time.Duration(jitter(2*x+1)-x) * time.Second
	}
	return cycle
}
