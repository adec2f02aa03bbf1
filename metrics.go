package securevault

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results used as the "result" label
const (
	resultOK        = "ok"
	resultNotFound  = "not_found"
	resultCorrupted = "corrupted"
	resultError     = "error"
)

// Metrics holds the prometheus collectors updated by vaults.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	entries       *prometheus.GaugeVec
	envelopeBytes *prometheus.GaugeVec
	retries       *prometheus.CounterVec
}

// NewMetrics creates the vault collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securevault",
			Name:      "operations_total",
			Help:      "Vault operations by namespace, operation and result.",
		}, []string{"namespace", "op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "securevault",
			Name:      "operation_duration_seconds",
			Help:      "Time spent executing vault operations, queueing excluded.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "securevault",
			Name:      "entries",
			Help:      "Number of keys in the last envelope read or written.",
		}, []string{"namespace"}),
		envelopeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "securevault",
			Name:      "envelope_bytes",
			Help:      "Size of the last sealed envelope read or written.",
		}, []string{"namespace"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securevault",
			Name:      "write_retries_total",
			Help:      "Writes replayed after losing a version race.",
		}, []string{"namespace"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.entries, m.envelopeBytes, m.retries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(namespace, op string, err error, started time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(namespace, op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) envelope(namespace string, entries, size int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(namespace).Set(float64(entries))
	m.envelopeBytes.WithLabelValues(namespace).Set(float64(size))
}

func (m *Metrics) retried(namespace string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(namespace).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrNotFound):
		return resultNotFound
	case IsCorrupted(err):
		return resultCorrupted
	default:
		return resultError
	}
}
