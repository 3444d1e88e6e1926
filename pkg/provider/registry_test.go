package provider_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/provider"
)

// recordingAdapter captures the context API key it was launched with and
// can be configured to fail every call, for circuit-breaker testing.
type recordingAdapter struct {
	operation  string
	shouldFail bool
	calls      int
	lastAPIKey string
	lastHadKey bool
}

func (a *recordingAdapter) Operation() string                  { return a.operation }
func (a *recordingAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }

func (a *recordingAdapter) Launch(ctx context.Context, _ domain.JSONMap) (provider.LaunchResult, error) {
	a.calls++
	a.lastAPIKey, a.lastHadKey = provider.APIKeyFromContext(ctx)
	if a.shouldFail {
		return provider.LaunchResult{}, errors.New("provider unavailable")
	}
	return provider.LaunchResult{Outcome: provider.OutcomeSync, Result: &domain.JobResult{}}, nil
}

func (a *recordingAdapter) ParseStatus([]byte) (provider.StatusUpdate, error) {
	return provider.StatusUpdate{}, nil
}

func (a *recordingAdapter) Poll(context.Context, string) ([]byte, error) { return nil, nil }

var _ = Describe("Registry.Launch", func() {
	It("dispatches to the adapter registered for the operation", func() {
		reg := provider.NewRegistry()
		a := &recordingAdapter{operation: "generateImage"}
		reg.Register(a)

		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.calls).To(Equal(1))
	})

	It("errors for an operation with no registered adapter", func() {
		reg := provider.NewRegistry()
		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
		Expect(err).To(HaveOccurred())
	})

	It("attaches a non-empty apiKey to the context the adapter sees", func() {
		reg := provider.NewRegistry()
		a := &recordingAdapter{operation: "generateImage"}
		reg.Register(a)

		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "sk-tenant-override")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.lastHadKey).To(BeTrue())
		Expect(a.lastAPIKey).To(Equal("sk-tenant-override"))
	})

	It("leaves no api key in context when the override is empty", func() {
		reg := provider.NewRegistry()
		a := &recordingAdapter{operation: "generateImage"}
		reg.Register(a)

		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(a.lastHadKey).To(BeFalse())
	})

	It("trips the circuit after five consecutive failures and fails fast without calling the adapter again", func() {
		reg := provider.NewRegistry()
		a := &recordingAdapter{operation: "generateImage", shouldFail: true}
		reg.Register(a)

		for i := 0; i < 5; i++ {
			_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
			Expect(err).To(HaveOccurred())
		}
		Expect(a.calls).To(Equal(5))

		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
		Expect(err).To(HaveOccurred())
		Expect(a.calls).To(Equal(5), "the breaker should short-circuit once open, not call the adapter a sixth time")
	})
})

var _ = Describe("Registry model-scoped dispatch", func() {
	It("dispatches to the model-specific adapter when params carry a matching modelId", func() {
		reg := provider.NewRegistry()
		fallback := &recordingAdapter{operation: "generateImage"}
		flagship := &recordingAdapter{operation: "generateImage"}
		reg.Register(fallback)
		reg.RegisterModel("flagship-v2", flagship)

		_, err := reg.Launch(context.Background(), "generateImage", "flagship-v2", domain.JSONMap{}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(flagship.calls).To(Equal(1))
		Expect(fallback.calls).To(Equal(0))
	})

	It("falls back to the operation's default adapter for an unregistered modelId", func() {
		reg := provider.NewRegistry()
		fallback := &recordingAdapter{operation: "generateImage"}
		reg.Register(fallback)

		_, err := reg.Launch(context.Background(), "generateImage", "unknown-model", domain.JSONMap{}, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(fallback.calls).To(Equal(1))
	})

	It("errors when neither the model nor the operation has a registered adapter", func() {
		reg := provider.NewRegistry()
		_, err := reg.Get("generateImage", "flagship-v2")
		Expect(err).To(HaveOccurred())
	})

	It("trips the model-specific adapter's own breaker independently of its sibling model", func() {
		reg := provider.NewRegistry()
		flagship := &recordingAdapter{operation: "generateImage", shouldFail: true}
		fallback := &recordingAdapter{operation: "generateImage"}
		reg.RegisterModel("flagship-v2", flagship)
		reg.Register(fallback)

		for i := 0; i < 5; i++ {
			_, err := reg.Launch(context.Background(), "generateImage", "flagship-v2", domain.JSONMap{}, "")
			Expect(err).To(HaveOccurred())
		}

		_, err := reg.Launch(context.Background(), "generateImage", "", domain.JSONMap{}, "")
		Expect(err).NotTo(HaveOccurred(), "the default adapter's breaker must not trip from the model-specific adapter's failures")
		Expect(fallback.calls).To(Equal(1))
	})
})
