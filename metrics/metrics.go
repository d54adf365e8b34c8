package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_dispatches_total",
			Help: "Requests published to edge nodes",
		},
		[]string{"kind", "result"}, // success|failure
	)

	DiscoveryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_discovery_refreshes_total",
			Help: "Discovery refresh requests triggered by stale or missing snapshots",
		},
		[]string{"result"},
	)

	SnapshotVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_discovery_snapshots_total",
			Help: "Snapshots returned to callers by freshness verdict",
		},
		[]string{"verdict"}, // fresh|stale|missing
	)

	WaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_wait_duration_seconds",
			Help:    "Time spent polling the response store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flavour"}, // single|fanout
	)

	WaitOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_wait_outcomes_total",
			Help: "Outcomes of response waits",
		},
		[]string{"flavour", "outcome"}, // complete|partial|response|timeout|vanished|cancelled
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_camera_assignments_total",
			Help: "Camera assignment attempts",
		},
		[]string{"result"},
	)

	BacklogLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_camera_backlog_length",
			Help: "Cameras waiting for a node with free capacity",
		},
		[]string{"pool"},
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_reports_total",
			Help: "Reports ingested from edge nodes",
		},
		[]string{"type", "result"},
	)
)

func init() {
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DiscoveryRefreshes)
	prometheus.MustRegister(SnapshotVerdicts)
	prometheus.MustRegister(WaitDuration)
	prometheus.MustRegister(WaitOutcomes)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(BacklogLength)
	prometheus.MustRegister(ReportsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
