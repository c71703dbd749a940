package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll loop metrics
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmux_poll_cycles_total",
			Help: "Total poll cycles by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // success, failure
	)

	PollDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxmux_poll_duration_seconds",
			Help:    "Duration of one poll cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// Connection metrics
	EndpointsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxmux_endpoints_connected",
			Help: "Number of endpoints currently in connected state",
		},
	)

	// Dispatch metrics
	DispatchTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmux_dispatch_targets_total",
			Help: "Total dispatched batch targets by action and outcome",
		},
		[]string{"action", "outcome"}, // success, failure, rejected, timeout
	)

	DispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxmux_dispatch_duration_seconds",
			Help:    "Duration of one batch target execution",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"action"},
	)

	// Alert metrics
	AlertsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxmux_alerts_active",
			Help: "Number of currently active alerts by level and kind",
		},
		[]string{"level", "kind"},
	)

	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmux_alerts_fired_total",
			Help: "Total alerts fired by level and kind",
		},
		[]string{"level", "kind"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmux_alerts_resolved_total",
			Help: "Total alerts resolved by kind",
		},
		[]string{"kind"},
	)

	// Broadcaster metrics
	SubscribersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxmux_subscribers_connected",
			Help: "Number of connected event subscribers",
		},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmux_events_published_total",
			Help: "Total events published by type",
		},
		[]string{"type"},
	)
)
