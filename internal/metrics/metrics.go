// Package metrics holds the Prometheus collectors of the mesh service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// GrantEntries counts batch entries by op (grant, revoke) and outcome
	// (applied, failed).
	GrantEntries *prometheus.CounterVec
	// Transitions counts committed status changes by target status.
	Transitions *prometheus.CounterVec
	// AuthzRetries counts retried authorization calls.
	AuthzRetries *prometheus.CounterVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		GrantEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_grant_entries_total",
			Help: "Permission batch entries sent to the authorization service",
		}, []string{"op", "outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_subscription_transitions_total",
			Help: "Subscription status transitions",
		}, []string{"to"}),
		AuthzRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_authz_retries_total",
			Help: "Authorization calls retried after a transient failure",
		}, []string{"op"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) Entries(op string, applied, failed int) {
	m.GrantEntries.WithLabelValues(op, "applied").Add(float64(applied))
	m.GrantEntries.WithLabelValues(op, "failed").Add(float64(failed))
}

func (m *Metrics) Transition(to string) { m.Transitions.WithLabelValues(to).Inc() }

func (m *Metrics) Retry(op string) { m.AuthzRetries.WithLabelValues(op).Inc() }
