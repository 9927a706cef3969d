package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

// Step results.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// BootMetrics records bring-up, lifecycle delivery and durable flushes.
type BootMetrics struct {
	reg prometheus.Registerer

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	bootDuration prometheus.Gauge
	initialized  prometheus.Gauge

	lifecycleEvents     *prometheus.CounterVec
	lifecycleDeliveries *prometheus.CounterVec

	syncs        *prometheus.CounterVec
	syncBlocks   prometheus.Counter
	syncBytes    prometheus.Counter
	syncDeleted  prometheus.Counter
	syncDuration prometheus.Histogram
}

// NewBootMetrics returns collectors registered on the process registry, or
// nil when metrics are not enabled.
func NewBootMetrics() *BootMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return NewBootMetricsWith(reg)
}

// NewBootMetricsWith registers the collectors on reg.
func NewBootMetricsWith(reg prometheus.Registerer) *BootMetrics {
	f := promauto.With(reg)
	return &BootMetrics{
		reg: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "boot_steps_total",
			Help:      "Bring-up steps by step name and result (ok, skipped, failed)",
		}, []string{"step", "result"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "boot_step_duration_seconds",
			Help:      "Duration of each bring-up step",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"step"}),
		bootDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "boot_duration_seconds",
			Help:      "Duration of the last completed bring-up sequence",
		}),
		initialized: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "initialized",
			Help:      "1 once the filesystem layer has completed bring-up",
		}),
		lifecycleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events dispatched by action",
		}, []string{"action"}),
		lifecycleDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lifecycle_deliveries_total",
			Help:      "Subscriber invocations by action",
		}, []string{"action"}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_runs_total",
			Help:      "Durable flush runs by result",
		}, []string{"result"}),
		syncBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_blocks_total",
			Help:      "Blocks written to the durable store by flushes",
		}),
		syncBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_bytes_total",
			Help:      "Bytes written to the durable store by flushes",
		}),
		syncDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sync_deleted_blocks_total",
			Help:      "Blocks deleted from the durable store by flushes",
		}),
		syncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of durable flushes",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
	}
}

// ObserveStep records one bring-up step.
func (m *BootMetrics) ObserveStep(step, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, result).Inc()
	if result != ResultSkipped {
		m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	}
}

// ObserveBoot records a completed bring-up sequence.
func (m *BootMetrics) ObserveBoot(d time.Duration) {
	if m == nil {
		return
	}
	m.bootDuration.Set(d.Seconds())
	m.initialized.Set(1)
}

// ObserveLifecycle records a dispatch; it matches reboot.Registry.SetObserver.
func (m *BootMetrics) ObserveLifecycle(action reboot.Action, delivered int) {
	if m == nil {
		return
	}
	m.lifecycleEvents.WithLabelValues(action.String()).Inc()
	m.lifecycleDeliveries.WithLabelValues(action.String()).Add(float64(delivered))
}

// ObserveSync records a flush; it matches writeback.Cache.OnSync.
func (m *BootMetrics) ObserveSync(res writeback.SyncResult, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.syncs.WithLabelValues(ResultFailed).Inc()
	} else {
		m.syncs.WithLabelValues(ResultOK).Inc()
	}
	m.syncBlocks.Add(float64(res.Blocks))
	m.syncBytes.Add(float64(res.Bytes))
	m.syncDeleted.Add(float64(res.Deleted))
	m.syncDuration.Observe(res.Duration.Seconds())
}

// WatchQueue exports the depth of the asynchronous I/O queue.
func (m *BootMetrics) WatchQueue(depth func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "aio_queue_depth",
		Help:      "Asynchronous I/O requests queued and not yet picked up",
	}, func() float64 { return float64(depth()) }))
}

// WatchDirty exports the number of dirty blocks awaiting a flush.
func (m *BootMetrics) WatchDirty(dirty func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "writeback_dirty_blocks",
		Help:      "Dirty blocks and pending deletes not yet durable",
	}, func() float64 { return float64(dirty()) }))
}

// WatchBufferPool exports allocator counters.
func (m *BootMetrics) WatchBufferPool(stats func() bufpool.Stats) {
	if m == nil {
		return
	}
	m.reg.MustRegister(&poolCollector{
		stats: stats,
		gets: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "bufpool", "gets_total"),
			"Buffers handed out from a size class", nil, nil),
		puts: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "bufpool", "puts_total"),
			"Buffers returned to a size class", nil, nil),
		oversized: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "bufpool", "oversized_total"),
			"Allocations larger than the largest size class", nil, nil),
		outstanding: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "bufpool", "outstanding"),
			"Pooled buffers currently handed out", nil, nil),
	})
}

type poolCollector struct {
	stats                              func() bufpool.Stats
	gets, puts, oversized, outstanding *prometheus.Desc
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.gets
	ch <- c.puts
	ch <- c.oversized
	ch <- c.outstanding
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(s.Gets))
	ch <- prometheus.MustNewConstMetric(c.puts, prometheus.CounterValue, float64(s.Puts))
	ch <- prometheus.MustNewConstMetric(c.oversized, prometheus.CounterValue, float64(s.Oversized))
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(s.Outstanding()))
}
