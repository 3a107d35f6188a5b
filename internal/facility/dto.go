package facility

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/classbook/internal/event"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type listResponse struct {
	Events []eventDTO `json:"events"`
}

type reserveResponse struct {
	Status string `json:"status"`
}

type eventDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Room            string `json:"room"`
	Staff           string `json:"staff"`
	OpensAt         string `json:"opens_at"`
	StartsAt        string `json:"starts_at"`
	EndsAt          string `json:"ends_at"`
	ClosesAt        string `json:"closes_at"`
	Status          string `json:"status"`
	AvailablePlaces int    `json:"available_places"`
	IsParticipant   bool   `json:"is_participant"`
}

func (d eventDTO) toEvent() (event.Event, error) {
	if d.ID == "" {
		return event.Event{}, errors.New("event without id")
	}
	ev := event.Event{
		ID:              d.ID,
		Name:            d.Name,
		Room:            d.Room,
		Staff:           d.Staff,
		Status:          d.Status,
		AvailablePlaces: d.AvailablePlaces,
		IsParticipant:   d.IsParticipant,
	}
	var err error
	if ev.StartsAt, err = parseTime("starts_at", d.StartsAt, true); err != nil {
		return ev, err
	}
	if ev.EndsAt, err = parseTime("ends_at", d.EndsAt, true); err != nil {
		return ev, err
	}
	if ev.OpensAt, err = parseTime("opens_at", d.OpensAt, false); err != nil {
		return ev, err
	}
	if ev.ClosesAt, err = parseTime("closes_at", d.ClosesAt, false); err != nil {
		return ev, err
	}
	if ev.EndsAt.Before(ev.StartsAt) {
		return ev, fmt.Errorf("event %s ends before it starts", d.ID)
	}
	return ev, nil
}

func parseTime(field, v string, required bool) (time.Time, error) {
	if v == "" {
		if required {
			return time.Time{}, fmt.Errorf("%s is required", field)
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}
