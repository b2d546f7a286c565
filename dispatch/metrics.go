package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "virtcore"

type metrics struct {
	submitted prometheus.Counter
	failures  prometheus.Counter
	inflight  prometheus.Gauge
	duration  prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "submitted_total",
			Help:      "Total number of blocking driver calls submitted to the dispatcher.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Total number of dispatched calls that resolved with an error.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "inflight",
			Help:      "Number of dispatched calls currently executing on a worker.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent executing dispatched calls on a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.submitted, m.failures, m.inflight, m.duration} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
