package filelock

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label and status values for lock metrics.
const (
	LabelType      = "type"
	LabelStatus    = "status"
	LabelReason    = "reason"
	LabelLimitType = "limit_type"

	StatusGranted = "granted"
	StatusDenied  = "denied"

	ReasonExplicit = "explicit"
	ReasonOwner    = "owner_released"
)

// Metrics provides Prometheus metrics for the lock table.
type Metrics struct {
	acquireTotal *prometheus.CounterVec
	releaseTotal *prometheus.CounterVec
	activeGauge  *prometheus.GaugeVec
	filesGauge   prometheus.Gauge
	limitHits    *prometheus.CounterVec
}

// NewMetrics creates lock metrics and registers them with reg.
// If reg is nil the metrics are created but not registered (useful for testing).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vfsinit",
				Subsystem: "locks",
				Name:      "acquire_total",
				Help:      "Total number of lock acquire attempts",
			},
			[]string{LabelType, LabelStatus},
		),
		releaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vfsinit",
				Subsystem: "locks",
				Name:      "release_total",
				Help:      "Total number of lock releases",
			},
			[]string{LabelReason},
		),
		activeGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "vfsinit",
				Subsystem: "locks",
				Name:      "active",
				Help:      "Number of lock records currently held",
			},
			[]string{LabelType},
		),
		filesGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vfsinit",
				Subsystem: "locks",
				Name:      "files",
				Help:      "Number of inodes with at least one lock",
			},
		),
		limitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vfsinit",
				Subsystem: "locks",
				Name:      "limit_hits_total",
				Help:      "Lock requests rejected by a table limit",
			},
			[]string{LabelLimitType},
		),
	}

	if reg != nil {
		reg.MustRegister(m.acquireTotal, m.releaseTotal, m.activeGauge, m.filesGauge, m.limitHits)
	}
	return m
}

func (m *Metrics) observeAcquire(t Type, granted bool) {
	if m == nil {
		return
	}
	status := StatusGranted
	if !granted {
		status = StatusDenied
	}
	m.acquireTotal.WithLabelValues(t.String(), status).Inc()
}

func (m *Metrics) observeRelease(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.releaseTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) observeLimit(limitType string) {
	if m == nil {
		return
	}
	m.limitHits.WithLabelValues(limitType).Inc()
}

func (m *Metrics) setState(s Stats) {
	if m == nil {
		return
	}
	m.activeGauge.WithLabelValues(Shared.String()).Set(float64(s.Shared))
	m.activeGauge.WithLabelValues(Exclusive.String()).Set(float64(s.Exclusive))
	m.filesGauge.Set(float64(s.Files))
}
