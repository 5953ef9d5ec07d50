package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tunetrivia"

var (
	LobbiesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lobbies_active",
		Help:      "Number of lobby sessions resident in memory.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of open WebSocket connections.",
	})

	EventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_sent_total",
		Help:      "Events queued to connections, by event name.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a connection could not keep up.",
	})

	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase_transitions_total",
		Help:      "Lobby phase transitions, by target phase.",
	}, []string{"phase"})

	GuessesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "guesses_recorded_total",
		Help:      "Guesses appended to lobby ledgers.",
	})

	PlaylistFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "playlist_fetch_duration_seconds",
		Help:      "Latency of playlist fetches, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
)
