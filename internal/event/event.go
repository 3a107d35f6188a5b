// Package event models a facility's bookable sessions for a single day.
package event

import (
	"strings"
	"time"
)

const (
	StatusBooking  = "Booking"
	StatusStarted  = "Started"
	StatusEnded    = "Ended"
	StatusBooked   = "Booked"
	StatusOpen     = "Open"
	StatusFull     = "Full"
	StatusClosed   = "Closed"
	StatusUpcoming = "Upcoming"
)

type Event struct {
	ID    string
	Name  string
	Room  string
	Staff string

	// OpensAt is when the facility starts accepting reservations.
	OpensAt  time.Time
	StartsAt time.Time
	EndsAt   time.Time
	// ClosesAt is the facility's booking deadline. Zero means bookable until StartsAt.
	ClosesAt time.Time

	Status          string
	AvailablePlaces int
	IsParticipant   bool
}

func (e Event) IsEnded(now time.Time) bool {
	if strings.EqualFold(e.Status, StatusEnded) {
		return true
	}
	return !now.Before(e.EndsAt)
}

func (e Event) IsStarted(now time.Time) bool {
	return !now.Before(e.StartsAt) && now.Before(e.EndsAt)
}

// IsBookable reports whether a reservation can still be made or armed. It does
// not require the booking window to be open yet.
func (e Event) IsBookable(now time.Time) bool {
	if e.IsStarted(now) || e.IsEnded(now) {
		return false
	}
	return now.Before(e.deadline())
}

func (e Event) deadline() time.Time {
	if !e.ClosesAt.IsZero() {
		return e.ClosesAt
	}
	return e.StartsAt
}

// IsOpen reports whether the booking window has opened and not yet closed.
func (e Event) IsOpen(now time.Time) bool {
	return e.IsBookable(now) && !now.Before(e.OpensAt)
}

// ComputedStatus derives a display label from the schedule and places alone,
// ignoring any label set locally while a booking attempt runs.
func (e Event) ComputedStatus(now time.Time) string {
	switch {
	case e.IsEnded(now):
		return StatusEnded
	case e.IsStarted(now):
		return StatusStarted
	case e.IsParticipant:
		return StatusBooked
	case !e.IsBookable(now):
		return StatusClosed
	case !e.IsOpen(now):
		return StatusUpcoming
	case e.AvailablePlaces > 0:
		return StatusOpen
	default:
		return StatusFull
	}
}

// Eligible reports whether the event is worth arming a booking attempt for.
func (e Event) Eligible(now time.Time) bool {
	return e.IsBookable(now) && !e.IsParticipant
}
