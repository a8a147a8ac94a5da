// Package metrics provides Prometheus metrics for the resource store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stop reasons recorded by the adaptive query loop.
const (
	StopFilled      = "filled"
	StopExhausted   = "exhausted"
	StopThrottled   = "throttled"
	StopTimeout     = "timeout"
	StopNoTimeLeft  = "no_time_left"
	StopSinglePage  = "single_page"
	StopQueryFailed = "error"
)

// Metrics holds all Prometheus metrics for the store. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Document store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreRequestCharge     *prometheus.CounterVec
	RetriesTotal           *prometheus.CounterVec

	// Query metrics
	QueryPagesTotal prometheus.Counter
	QueryStopsTotal *prometheus.CounterVec

	// Search parameter metrics
	SearchParameters             *prometheus.GaugeVec
	SearchParameterUpdates       prometheus.Counter
	SearchParameterNotifications prometheus.Counter
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_docstore_operations_total",
			Help: "Total number of document store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_docstore_operation_duration_seconds",
			Help:    "Duration of document store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	m.StoreRequestCharge = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_docstore_request_charge_total",
			Help: "Capacity units consumed by document store operations",
		},
		[]string{"operation"},
	)

	m.RetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_retries_total",
			Help: "Total number of retried document store calls",
		},
		[]string{"policy"},
	)

	m.QueryPagesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_query_pages_total",
			Help: "Total number of query pages fetched",
		},
	)

	m.QueryStopsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_query_stops_total",
			Help: "Adaptive pagination loop terminations by reason",
		},
		[]string{"reason"},
	)

	m.SearchParameters = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fhirstore_search_parameters",
			Help: "Number of known search parameters by state",
		},
		[]string{"state"},
	)

	m.SearchParameterUpdates = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_search_parameter_status_updates_total",
			Help: "Total number of administrative search parameter status updates",
		},
	)

	m.SearchParameterNotifications = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_search_parameter_notifications_total",
			Help: "Total number of search parameter change notifications published",
		},
	)

	return m
}

// RecordOperation records a completed document store operation.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration, charge float64) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if charge > 0 {
		m.StoreRequestCharge.WithLabelValues(operation).Add(charge)
	}
}

// RecordRetry counts one retry under the named policy.
func (m *Metrics) RecordRetry(policy string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(policy).Inc()
}

// RecordQueryPage counts one fetched query page.
func (m *Metrics) RecordQueryPage() {
	if m == nil {
		return
	}
	m.QueryPagesTotal.Inc()
}

// RecordQueryStop counts why the adaptive pagination loop returned.
func (m *Metrics) RecordQueryStop(reason string) {
	if m == nil {
		return
	}
	m.QueryStopsTotal.WithLabelValues(reason).Inc()
}

// SetSearchParameterCounts publishes the number of parameters per state.
func (m *Metrics) SetSearchParameterCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.SearchParameters.WithLabelValues(state).Set(float64(n))
	}
}

// RecordStatusUpdate counts an administrative status update.
func (m *Metrics) RecordStatusUpdate() {
	if m == nil {
		return
	}
	m.SearchParameterUpdates.Inc()
}

// RecordNotification counts a published change notification.
func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.SearchParameterNotifications.Inc()
}
