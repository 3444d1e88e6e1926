package metrics_test

import (
	"github.com/prometheus/client_golang/prometheus/testutil"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/pkg/metrics"
)

// shared is built once: promauto registers every collector against the
// process-global Prometheus registerer, so a second NewRegistry call in
// this test binary would panic on a duplicate collector.
var shared = metrics.NewRegistry()

var _ = Describe("Registry", func() {
	It("exposes working collectors for every concern the orchestrator instruments", func() {
		shared.PendingJobs.WithLabelValues("generateImage").Inc()
		Expect(testutil.ToFloat64(shared.PendingJobs.WithLabelValues("generateImage"))).To(Equal(1.0))

		shared.ExecutionDuration.Observe(1.5)
		Expect(testutil.CollectAndCount(shared.ExecutionDuration)).To(Equal(1))

		shared.QuotaRejections.Inc()
		Expect(testutil.ToFloat64(shared.QuotaRejections)).To(Equal(1.0))

		shared.WebhookDeliveries.WithLabelValues("delivered").Inc()
		Expect(testutil.ToFloat64(shared.WebhookDeliveries.WithLabelValues("delivered"))).To(Equal(1.0))

		shared.ProviderLaunches.WithLabelValues("generateImage", "sync").Inc()
		Expect(testutil.ToFloat64(shared.ProviderLaunches.WithLabelValues("generateImage", "sync"))).To(Equal(1.0))
	})
})
