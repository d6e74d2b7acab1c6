// Package metrics holds the Prometheus collectors medwatch exports on /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "medwatch"

// Metrics is nil-safe: every method on a nil *Metrics is a no-op, so
// components and tests can run without a registry.
type Metrics struct {
	scans         *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	lastScan      prometheus.Gauge
	eligible      prometheus.Gauge
	fired         *prometheus.CounterVec
	duplicates    prometheus.Counter
	digests       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	deliveryTook  prometheus.Histogram
	deduped       prometheus.Counter
	ledgerKeys    prometheus.Gauge
	ledgerPruned  prometheus.Counter
	busDropped    prometheus.GaugeFunc
	busDroppedSrc func() float64
}

// MustNew registers the collectors with reg and panics on a registration
// conflict. Pass a fresh prometheus.NewRegistry() in tests.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "scans_total",
			Help: "Scans by outcome (ok, empty, permission, error).",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "scan_duration_seconds",
			Help:    "Wall time of one scan including deliveries.",
			Buckets: prometheus.DefBuckets,
		}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "last_scan_timestamp_seconds",
			Help: "Unix time of the last completed scan.",
		}),
		eligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "eligible_medicines",
			Help: "Eligible medicines seen by the last scan.",
		}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "events_fired_total",
			Help: "Expiry events that passed the ledger, by severity.",
		}, []string{"severity"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "events_duplicate_total",
			Help: "Expiry events suppressed by the ledger.",
		}),
		digests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "digests_total",
			Help: "Daily digest runs by outcome (sent, empty, permission, error).",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "deliveries_total",
			Help: "Notification deliveries by result (ok, error) and type.",
		}, []string{"result", "type"}),
		deliveryTook: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "delivery_duration_seconds",
			Help:    "Delivery latency including retries.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		deduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "deduped_total",
			Help: "Notifications suppressed by the short dedup window.",
		}),
		ledgerKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "keys",
			Help: "Keys currently held by the dedup ledger.",
		}),
		ledgerPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "pruned_total",
			Help: "Ledger keys dropped by retention.",
		}),
	}
	m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "dropped_events",
		Help: "Events dropped because a subscriber was slow.",
	}, func() float64 {
		if m.busDroppedSrc == nil {
			return 0
		}
		return m.busDroppedSrc()
	})

	cs := []prometheus.Collector{
		m.scans, m.scanDuration, m.lastScan, m.eligible, m.fired, m.duplicates,
		m.digests, m.deliveries, m.deliveryTook, m.deduped,
		m.ledgerKeys, m.ledgerPruned, m.busDropped,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry with the Go runtime and process collectors,
// the way the admin /metrics endpoint serves it.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// IsAlreadyRegistered reports whether err is a duplicate registration.
func IsAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}

// SetBusDropped wires the event bus drop counter into the exported gauge.
// Call before the registry is scraped.
func (m *Metrics) SetBusDropped(src func() uint64) {
	if m == nil || src == nil {
		return
	}
	m.busDroppedSrc = func() float64 { return float64(src()) }
}

func (m *Metrics) ObserveScan(result string, eligible int, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	if result == "ok" || result == "empty" {
		m.scanDuration.Observe(took.Seconds())
		m.lastScan.Set(float64(at.Unix()))
		m.eligible.Set(float64(eligible))
	}
}

func (m *Metrics) EventFired(severity string) {
	if m == nil {
		return
	}
	m.fired.WithLabelValues(severity).Inc()
}

func (m *Metrics) EventDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) Digest(result string) {
	if m == nil {
		return
	}
	m.digests.WithLabelValues(result).Inc()
}

func (m *Metrics) Delivery(ok bool, typ string, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.deliveries.WithLabelValues(result, typ).Inc()
	m.deliveryTook.Observe(took.Seconds())
}

func (m *Metrics) Deduped() {
	if m == nil {
		return
	}
	m.deduped.Inc()
}

func (m *Metrics) Ledger(keys int, pruned int) {
	if m == nil {
		return
	}
	m.ledgerKeys.Set(float64(keys))
	if pruned > 0 {
		m.ledgerPruned.Add(float64(pruned))
	}
}
