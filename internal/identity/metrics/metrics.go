package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for identity resolution.
type Metrics struct {
	Resolutions     *prometheus.CounterVec
	ContactsCreated *prometheus.CounterVec
	PrimariesMerged prometheus.Counter
	Fallbacks       prometheus.Counter
	Retries         *prometheus.CounterVec
	PublishFailures prometheus.Counter
	ResolveDuration prometheus.Histogram
}

// New creates the identity metrics and registers them with reg. A nil reg
// falls back to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_identity_resolutions_total",
			Help: "Identity resolutions by outcome",
		}, []string{"outcome"}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_contacts_created_total",
			Help: "Contacts inserted by link precedence",
		}, []string{"precedence"}),
		PrimariesMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_primaries_demoted_total",
			Help: "Primary contacts demoted while merging identities",
		}),
		Fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_primary_not_found_fallbacks_total",
			Help: "Resolutions that could not find a linked primary and fell back to a candidate",
		}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciler_identity_retries_total",
			Help: "Transient failures retried by operation",
		}, []string{"operation"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconciler_identity_event_publish_failures_total",
			Help: "Identity events that could not be published",
		}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciler_resolve_duration_seconds",
			Help:    "Duration of Resolve operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncrementResolutions counts one resolution with the given outcome.
func (m *Metrics) IncrementResolutions(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// IncrementContactsCreated counts one inserted contact.
func (m *Metrics) IncrementContactsCreated(precedence string) {
	if m == nil {
		return
	}
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

// AddPrimariesMerged counts primaries demoted by a merge.
func (m *Metrics) AddPrimariesMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrimariesMerged.Add(float64(n))
}

// IncrementFallbacks counts a missing-primary fallback.
func (m *Metrics) IncrementFallbacks() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

// IncrementRetries counts one retried operation.
func (m *Metrics) IncrementRetries(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

// IncrementPublishFailures counts an event that was dropped.
func (m *Metrics) IncrementPublishFailures() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// ObserveResolve records the duration of a Resolve call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveResolve(start time.Time) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}
