// Package metrics exports dispatch and connection metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/switchyard/api/v1alpha1"
	"github.com/jbweber/switchyard/internal/dispatch"
	"github.com/jbweber/switchyard/internal/session"
)

const (
	namespace = "switchyard"

	labelBackend = "backend"
	labelKind    = "kind"
	labelVerb    = "verb"
	labelOutcome = "outcome"
	labelState   = "state"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Observer records dispatch events.
type Observer struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
}

// NewObserver creates an Observer and registers its metrics with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations finished, by outcome. Outcome is Success or the failure kind.",
		}, []string{labelBackend, labelKind, labelVerb, labelOutcome}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_retries_total",
			Help:      "Transient failures retried by the dispatcher.",
		}, []string{labelBackend, labelKind, labelVerb}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time from submission to the terminal phase.",
			Buckets:   durationBuckets,
		}, []string{labelBackend, labelKind, labelVerb}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Operations submitted and not yet finished.",
		}, []string{labelKind}),
	}
	for _, c := range []prometheus.Collector{o.operations, o.retries, o.duration, o.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Observe implements dispatch.Observer.
func (o *Observer) Observe(e dispatch.Event) {
	op := e.Operation
	kind := string(op.Kind)
	switch e.Type {
	case dispatch.EventSubmitted:
		o.inFlight.WithLabelValues(kind).Inc()
	case dispatch.EventRetry:
		o.retries.WithLabelValues(op.Backend, kind, string(op.Verb)).Inc()
	case dispatch.EventCompleted, dispatch.EventFailed, dispatch.EventCancelled:
		o.inFlight.WithLabelValues(kind).Dec()
		o.operations.WithLabelValues(op.Backend, kind, string(op.Verb), outcome(e.Result)).Inc()
		o.duration.WithLabelValues(op.Backend, kind, string(op.Verb)).Observe(e.Duration.Seconds())
	}
}

func outcome(r v1alpha1.Result) string {
	if r.OK() {
		return "Success"
	}
	return string(r.ErrorKind())
}

// HandleSource lists pooled connection handles. *session.Manager satisfies it.
type HandleSource interface {
	Handles() []*session.Handle
}

var sessionStates = []v1alpha1.SessionState{
	v1alpha1.SessionConnecting,
	v1alpha1.SessionReady,
	v1alpha1.SessionDegraded,
	v1alpha1.SessionClosed,
}

// SessionCollector reports the state of every pooled handle at scrape time.
type SessionCollector struct {
	source   HandleSource
	state    *prometheus.Desc
	borrows  *prometheus.Desc
	attempts *prometheus.Desc
}

// NewSessionCollector creates a SessionCollector over source.
func NewSessionCollector(source HandleSource) *SessionCollector {
	return &SessionCollector{
		source: source,
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "state"),
			"1 for the current state of the backend's connection handle.",
			[]string{labelBackend, labelKind, labelState}, nil),
		borrows: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "borrows"),
			"Operations currently holding the backend's connection.",
			[]string{labelBackend, labelKind}, nil),
		attempts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", "dial_attempts"),
			"Dial attempts in the handle's last connect cycle.",
			[]string{labelBackend, labelKind}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.borrows
	ch <- c.attempts
}

// Collect implements prometheus.Collector.
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.source.Handles() {
		b := h.Backend()
		kind := string(b.Spec.Kind)
		current := h.State()
		for _, s := range sessionStates {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, b.Name, kind, string(s))
		}
		ch <- prometheus.MustNewConstMetric(c.borrows, prometheus.GaugeValue, float64(h.Borrows()), b.Name, kind)
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.GaugeValue, float64(h.Attempts()), b.Name, kind)
	}
}
