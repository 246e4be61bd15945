package loop

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a datapoint is dropped before reaching a sink.
const (
	dropInvalid        = "invalid"
	dropFiltered       = "filtered"
	dropProcessorError = "processor_error"
	dropNoSinks        = "no_sinks"
)

// Plugin kinds used as the kind label of plugin errors.
const (
	kindCollector = "collector"
	kindProcessor = "processor"
	kindSink      = "sink"
)

type metrics struct {
	ticks        prometheus.Counter
	ticksSkipped prometheus.Counter
	tickDuration prometheus.Histogram
	collected    prometheus.Counter
	dropped      *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	pluginErrors *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvestd_ticks_total",
			Help: "Total number of completed ticks",
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvestd_ticks_skipped_total",
			Help: "Total number of ticks skipped because the previous tick overran them",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvestd_tick_duration_seconds",
			Help:    "Duration of a full collect, process and dispatch cycle",
			Buckets: prometheus.DefBuckets,
		}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvestd_datapoints_collected_total",
			Help: "Total number of datapoints returned by collectors",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestd_datapoints_dropped_total",
			Help: "Total number of datapoints dropped before dispatch",
		}, []string{"reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestd_datapoints_dispatched_total",
			Help: "Total number of samples handed to a sink",
		}, []string{"sink"}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestd_plugin_errors_total",
			Help: "Total number of errors and panics returned by plugins",
		}, []string{"kind", "name"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ticks,
			m.ticksSkipped,
			m.tickDuration,
			m.collected,
			m.dropped,
			m.dispatched,
			m.pluginErrors,
		)
	}
	return m
}
