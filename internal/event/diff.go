package event

import (
	"sort"
	"strings"
	"time"
)

// Diff returns the ids of events that are eligible in next but were absent
// from prev or not eligible there. Identical snapshots yield an empty diff.
// The result is ordered by booking open time, then id.
func Diff(next, prev map[string]Event, now time.Time) []string {
	var out []string
	for id, e := range next {
		if !e.Eligible(now) {
			continue
		}
		if old, ok := prev[id]; ok && old.Eligible(now) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := next[out[i]], next[out[j]]
		if !a.OpensAt.Equal(b.OpensAt) {
			return a.OpensAt.Before(b.OpensAt)
		}
		return out[i] < out[j]
	})
	return out
}

// MatchesAny reports whether the event name contains any of the given
// substrings, case-insensitively. An empty filter matches everything.
func (e Event) MatchesAny(filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	name := strings.ToLower(e.Name)
	for _, f := range filter {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// Sorted returns the events ordered by start time, then name, then id.
func Sorted(events map[string]Event) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartsAt.Equal(out[j].StartsAt) {
			return out[i].StartsAt.Before(out[j].StartsAt)
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
