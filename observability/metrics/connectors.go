package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectorMetrics tracks contract calls issued by the connector service.
type ConnectorMetrics struct {
	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
	lastBlock prometheus.Gauge
}

var (
	connectorsOnce     sync.Once
	connectorsRegistry *ConnectorMetrics
)

// Connectors returns the process-wide connector metrics, registering them with
// the default prometheus registry on first use.
func Connectors() *ConnectorMetrics {
	connectorsOnce.Do(func() {
		connectorsRegistry = &ConnectorMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "reign",
				Subsystem: "connector",
				Name:      "calls_total",
				Help:      "Connector operations by name and result.",
			}, []string{"op", "result"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "reign",
				Subsystem: "connector",
				Name:      "call_duration_seconds",
				Help:      "Latency of connector operations including chain round trips.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"op"}),
			lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "reign",
				Subsystem: "connector",
				Name:      "last_block",
				Help:      "Block number of the most recently mined marketplace transaction.",
			}),
		}
		prometheus.MustRegister(
			connectorsRegistry.calls,
			connectorsRegistry.durations,
			connectorsRegistry.lastBlock,
		)
	})
	return connectorsRegistry
}

// ObserveCall records one connector operation.
func (m *ConnectorMetrics) ObserveCall(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(op, result).Inc()
	m.durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordBlock stores the block a transaction was mined in.
func (m *ConnectorMetrics) RecordBlock(number uint64) {
	if m == nil {
		return
	}
	m.lastBlock.Set(float64(number))
}
