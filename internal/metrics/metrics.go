// Package metrics holds the module's Prometheus collectors. Registered on
// the default registry; cmd/tvmuxd exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvmux",
		Subsystem: "cache",
		Name:      "rebuilds_total",
		Help:      "Catalog rebuild attempts by outcome (applied, skipped, failed).",
	}, []string{"outcome"})

	CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvmux",
		Subsystem: "cache",
		Name:      "catalog_channels",
		Help:      "Channels in the most recently applied catalog snapshot.",
	})

	PlaylistSourceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tvmux",
		Subsystem: "playlist",
		Name:      "source_errors_total",
		Help:      "Playlist source documents that failed to fetch or parse.",
	})

	EPGProgramsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvmux",
		Subsystem: "epg",
		Name:      "programs_stored",
		Help:      "Guide programs stored after the last refresh.",
	})

	EPGUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvmux",
		Subsystem: "epg",
		Name:      "updates_total",
		Help:      "Guide refresh attempts by outcome (completed, skipped, failed).",
	}, []string{"outcome"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvmux",
		Subsystem: "session",
		Name:      "active",
		Help:      "Sessions currently held by the registry.",
	})
)
