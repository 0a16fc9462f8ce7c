// Package metrics registers the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions",
		Help: "Number of live websocket sessions.",
	})

	RosterEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_roster_entries",
		Help: "Number of entries in the roster after the last mutation.",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Broadcasts fanned out to sessions, by event.",
	}, []string{"event"})

	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ledger_appends_total",
		Help: "Ledger appends, by collection.",
	}, []string{"collection"})

	HistoryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_history_failures_total",
		Help: "History writes that failed and were dropped.",
	})

	DroppedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_sessions_total",
		Help: "Sessions evicted because their send buffer was full.",
	})
)
