// Package metrics defines the broker's Prometheus instruments. The API
// server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AdmissionsTotal counts listing submissions per outcome.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_admissions_total",
			Help: "Listing submissions by outcome",
		},
		[]string{"outcome"},
	)

	// TransitionsTotal counts applied status transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_transitions_total",
			Help: "Listing status transitions applied",
		},
		[]string{"from", "to"},
	)

	// SweepsTotal counts monitor sweep runs per kind.
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_sweeps_total",
			Help: "Monitor sweeps executed",
		},
		[]string{"kind"},
	)

	// OracleErrorsTotal counts failed oracle calls per source and class.
	OracleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_oracle_errors_total",
			Help: "Oracle call failures",
		},
		[]string{"oracle", "class"},
	)

	// ZMQEventsTotal counts notifications received per topic.
	ZMQEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_zmq_events_total",
			Help: "ZMQ notifications received",
		},
		[]string{"topic"},
	)

	// ZMQDroppedTotal counts notifications dropped because a consumer
	// was behind. Poll sweeps repair the gap.
	ZMQDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_zmq_dropped_total",
			Help: "ZMQ notifications dropped on full channels",
		},
		[]string{"topic"},
	)

	// TipHeight shows the best-chain height last observed.
	TipHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dutchd_tip_height",
			Help: "Best-chain height last observed",
		},
	)

	// ListingsByStatus shows the current listing population.
	ListingsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dutchd_listings",
			Help: "Listings per status",
		},
		[]string{"status"},
	)

	// HTTPRequestsTotal counts API requests per route and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutchd_http_requests_total",
			Help: "API requests served",
		},
		[]string{"route", "code"},
	)
)

func init() {
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(OracleErrorsTotal)
	prometheus.MustRegister(ZMQEventsTotal)
	prometheus.MustRegister(ZMQDroppedTotal)
	prometheus.MustRegister(TipHeight)
	prometheus.MustRegister(ListingsByStatus)
	prometheus.MustRegister(HTTPRequestsTotal)
}
