// Package metrics holds the Prometheus collectors exported by classbook.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classbook_reservation_attempts_total",
		Help: "Reservation calls by outcome",
	}, []string{"outcome"}) // outcome=success|rejected|error

	bookingExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classbook_booking_loop_exits_total",
		Help: "Booking loops that reached a terminal state",
	}, []string{"state"})

	liveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classbook_booking_tasks",
		Help: "Booking tasks currently registered",
	})

	cycleTimeout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classbook_cycle_timeout_seconds",
		Help: "Current refresh interval",
	})

	trackedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classbook_events_tracked",
		Help: "Events in the registry after the last refresh",
	})

	refreshFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classbook_refresh_failures_total",
		Help: "Refresh loop failures by stage",
	}, []string{"stage"}) // stage=fetch|render|auth
)

func RecordReservation(outcome string) {
	reservationAttempts.WithLabelValues(outcome).Inc()
}

func RecordBookingExit(state string) {
	bookingExits.WithLabelValues(state).Inc()
}

func SetLiveTasks(n int) {
	liveTasks.Set(float64(n))
}

func SetCycleTimeout(d time.Duration) {
	cycleTimeout.Set(d.Seconds())
}

func SetTrackedEvents(n int) {
	trackedEvents.Set(float64(n))
}

func IncRefreshFailure(stage string) {
	refreshFailures.WithLabelValues(stage).Inc()
}
