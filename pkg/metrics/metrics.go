package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warehouse_loader_build_info",
		Help: "Build information for the warehouse loader.",
	}, []string{"version", "commit", "date"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_loader_runs_total",
		Help: "Completed pipeline runs by outcome.",
	}, []string{"outcome"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_loader_run_duration_seconds",
		Help:    "Duration of full pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	RowsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_loader_rows_loaded_total",
		Help: "Rows written to the warehouse per table.",
	}, []string{"table"})

	RowsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_loader_rows_quarantined_total",
		Help: "Rows quarantined per table and reason.",
	}, []string{"table", "reason"})

	VersionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_loader_dimension_versions_opened_total",
		Help: "New dimension versions opened per dimension.",
	}, []string{"dimension"})

	VersionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_loader_dimension_versions_closed_total",
		Help: "Dimension versions closed per dimension.",
	}, []string{"dimension"})
)
