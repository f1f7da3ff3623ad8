package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "plotrepl"
	subsystem = "engine"
)

type metrics struct {
	cycles            prometheus.Counter
	cycleDuration     prometheus.Histogram
	merged            prometheus.Counter
	local             prometheus.Counter
	replicated        prometheus.Counter
	broadcastFailures prometheus.Counter
	skewResolved      prometheus.Counter
	corrected         prometheus.Counter
	duplicates        prometheus.Counter
	framingErrors     prometheus.Counter
	stalls            *prometheus.CounterVec
	storeSize         prometheus.Gauge
	skewStations      prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		cycles: newCounter("cycles_total", "Reconciliation cycles completed"),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one reconciliation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		merged:            newCounter("plots_merged_total", "Plots merged from inbound batches"),
		local:             newCounter("plots_local_total", "Plots recorded by this station"),
		replicated:        newCounter("plots_replicated_total", "Plots delivered in outbound batches"),
		broadcastFailures: newCounter("broadcast_failures_total", "Outbound broadcasts that failed for at least one peer"),
		skewResolved:      newCounter("skew_resolved_total", "Station offsets inferred"),
		corrected:         newCounter("plots_corrected_total", "Plot timestamps corrected for skew"),
		duplicates:        newCounter("duplicates_removed_total", "Duplicate plots removed"),
		framingErrors:     newCounter("framing_errors_total", "Inbound batches with framing errors"),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stalls_total",
			Help:      "Reconciliation stages that hit their pass limit",
		}, []string{"stage"}),
		storeSize:    newGauge("store_plots", "Plots currently stored"),
		skewStations: newGauge("skew_stations", "Stations with a known offset"),
	}

	reg.MustRegister(
		m.cycles, m.cycleDuration, m.merged, m.local, m.replicated, m.broadcastFailures, m.skewResolved,
		m.corrected, m.duplicates, m.framingErrors, m.stalls, m.storeSize, m.skewStations,
	)
	return m
}
