// Package metrics registers the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every collector the orchestrator updates.
type Registry struct {
	PendingJobs          *prometheus.GaugeVec
	ExecutionDuration     prometheus.Histogram
	QuotaRejections       prometheus.Counter
	WebhookDeliveries     *prometheus.CounterVec
	ProviderLaunches      *prometheus.CounterVec
}

// NewRegistry registers all collectors against the default Prometheus
// registry and returns handles for updating them.
func NewRegistry() *Registry {
	return &Registry{
		PendingJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mediaforge",
			Name:      "pending_jobs",
			Help:      "Number of jobs not yet in a terminal state, by operation.",
		}, []string{"operation"}),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mediaforge",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of an execution from admission to terminal roll-up.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		QuotaRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaforge",
			Name:      "quota_rejections_total",
			Help:      "Number of executions rejected at admission for exceeding tenant quota.",
		}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaforge",
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		ProviderLaunches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediaforge",
			Name:      "provider_launches_total",
			Help:      "Provider launch calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}
