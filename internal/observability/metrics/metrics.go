package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	namespace = "healbridge"
	subsystem = "booking"
)

// BookingMetrics exposes counters/histograms for the hold and confirmation flows.
type BookingMetrics struct {
	holdsTotal          *prometheus.CounterVec
	confirmationsTotal  *prometheus.CounterVec
	releasesTotal       *prometheus.CounterVec
	expirationsTotal    *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	notifyFailuresTotal *prometheus.CounterVec
	repairsTotal        *prometheus.CounterVec
	lockWait            *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		holdsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "holds_total",
			Help:      "Hold requests by outcome",
		}, []string{"outcome"}),
		confirmationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "confirmations_total",
			Help:      "Confirm requests by outcome",
		}, []string{"outcome"}),
		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "releases_total",
			Help:      "Hold releases by outcome",
		}, []string{"outcome"}),
		expirationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "expirations_total",
			Help:      "Holds expired, by the path that observed expiry",
		}, []string{"source"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "appointment_transitions_total",
			Help:      "Ledger status transitions",
		}, []string{"to", "outcome"}),
		notifyFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_failures_total",
			Help:      "Patient notifications that could not be handed off",
		}, []string{"event_type"}),
		repairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconciliation_repairs_total",
			Help:      "Consistency repairs applied by the reconciler",
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slot_lock_wait_seconds",
			Help:      "Time spent waiting for the per-slot critical section",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"operation", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.holdsTotal,
		m.confirmationsTotal,
		m.releasesTotal,
		m.expirationsTotal,
		m.transitionsTotal,
		m.notifyFailuresTotal,
		m.repairsTotal,
		m.lockWait,
	)
	return m
}

func (m *BookingMetrics) ObserveHold(outcome string) {
	if m == nil {
		return
	}
	m.holdsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveConfirm(outcome string) {
	if m == nil {
		return
	}
	m.confirmationsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveRelease(outcome string) {
	if m == nil {
		return
	}
	m.releasesTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveExpiration(source string) {
	if m == nil {
		return
	}
	m.expirationsTotal.WithLabelValues(source).Inc()
}

func (m *BookingMetrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func (m *BookingMetrics) ObserveNotifyFailure(eventType string) {
	if m == nil {
		return
	}
	m.notifyFailuresTotal.WithLabelValues(eventType).Inc()
}

func (m *BookingMetrics) ObserveRepair(kind string) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues(kind).Inc()
}

func (m *BookingMetrics) ObserveLockWait(operation, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(operation, outcome).Observe(wait.Seconds())
}

// Snapshot is a flattened view of the booking counters for the staff dashboard.
type Snapshot struct {
	Holds         map[string]float64 `json:"holds"`
	Confirmations map[string]float64 `json:"confirmations"`
	Releases      map[string]float64 `json:"releases"`
	Expirations   map[string]float64 `json:"expirations"`
	Repairs       map[string]float64 `json:"repairs"`
}

// SnapshotFrom reads the booking counters out of a gatherer.
func SnapshotFrom(gatherer prometheus.Gatherer) (Snapshot, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	snap := Snapshot{
		Holds:         map[string]float64{},
		Confirmations: map[string]float64{},
		Releases:      map[string]float64{},
		Expirations:   map[string]float64{},
		Repairs:       map[string]float64{},
	}
	mfs, err := gatherer.Gather()
	if err != nil {
		return snap, err
	}
	targets := map[string]struct {
		label string
		into  map[string]float64
	}{
		fqName("holds_total"):                  {"outcome", snap.Holds},
		fqName("confirmations_total"):          {"outcome", snap.Confirmations},
		fqName("releases_total"):               {"outcome", snap.Releases},
		fqName("expirations_total"):            {"source", snap.Expirations},
		fqName("reconciliation_repairs_total"): {"kind", snap.Repairs},
	}
	for _, mf := range mfs {
		target, ok := targets[mf.GetName()]
		if !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			label := labelValue(metric, target.label)
			if label == "" || metric.GetCounter() == nil {
				continue
			}
			target.into[label] += metric.GetCounter().GetValue()
		}
	}
	return snap, nil
}

func fqName(name string) string {
	return prometheus.BuildFQName(namespace, subsystem, name)
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
