// Package metrics exposes the collaboration core's Prometheus metrics on
// the default registry, served at /metrics by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "annotsync"

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Rooms currently live in memory.",
	})

	MembersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "members_connected",
		Help:      "Member sessions currently bound (SYNCED or RECONNECTING).",
	})

	OpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_ops_applied_total",
		Help:      "Storage operations accepted by the merge engine.",
	}, []string{"kind"})

	OpsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_ops_rejected_total",
		Help:      "Storage operations rejected as invalid.",
	}, []string{"kind"})

	OpsStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_ops_stale_total",
		Help:      "Storage operations dropped as already superseded.",
	})

	PresenceDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_deltas_total",
		Help:      "Presence deltas accepted from members.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Domain events published to room members.",
	}, []string{"kind"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_reconnects_total",
		Help:      "Sessions resumed within the grace period.",
	})

	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_saves_total",
		Help:      "Durable snapshot save attempts by outcome.",
	}, []string{"outcome"})
)
