package provider_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/provider"
)

var _ = Describe("MockAdapter", func() {
	It("returns a sync result with no wait capabilities for a sync operation", func() {
		a := provider.NewMockAdapter("generateImage", false)
		Expect(a.Capabilities()).To(Equal(provider.Capabilities{}))

		res, err := a.Launch(context.Background(), domain.JSONMap{"prompt": "a cat"})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(provider.OutcomeSync))
		Expect(res.Result.Outputs).To(HaveLen(1))
		Expect(res.Result.Outputs[0].Type).To(Equal("image"))
		Expect(res.Result.Outputs[0].MimeType).To(Equal("image/png"))
	})

	It("returns an async result with both wait capabilities for an async operation", func() {
		a := provider.NewMockAdapter("generateVideo", true)
		Expect(a.Capabilities()).To(Equal(provider.Capabilities{SupportsWebhook: true, SupportsPolling: true}))

		res, err := a.Launch(context.Background(), domain.JSONMap{})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(provider.OutcomeAsync))
		Expect(res.ProviderJobID).To(HavePrefix("mock-"))
	})

	It("rejects launch for an operation nothing in the catalog recognizes", func() {
		a := provider.NewMockAdapter("notARealOperation", false)
		_, err := a.Launch(context.Background(), domain.JSONMap{})
		Expect(err).To(HaveOccurred())
	})

	It("synthesizes a completed payload from Poll that ParseStatus accepts", func() {
		a := provider.NewMockAdapter("generateAudio", true)
		payload, err := a.Poll(context.Background(), "mock-xyz")
		Expect(err).NotTo(HaveOccurred())

		update, err := a.ParseStatus(payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(update.Status).To(Equal(domain.JobCompleted))
		Expect(update.Result.Outputs[0].Type).To(Equal("audio"))
	})
})

var _ = Describe("provider status payload parsing", func() {
	a := provider.NewMockAdapter("generateImage", true)

	It("maps a processing payload to JobProcessing", func() {
		update, err := a.ParseStatus([]byte(`{"status":"processing"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(update.Status).To(Equal(domain.JobProcessing))
	})

	It("maps an empty status to JobProcessing", func() {
		update, err := a.ParseStatus([]byte(`{}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(update.Status).To(Equal(domain.JobProcessing))
	})

	It("requires a url on a completed payload", func() {
		_, err := a.ParseStatus([]byte(`{"status":"completed"}`))
		Expect(err).To(HaveOccurred())
	})

	It("carries the error detail on a failed payload", func() {
		update, err := a.ParseStatus([]byte(`{"status":"failed","error":"provider timeout"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(update.Status).To(Equal(domain.JobFailed))
		Expect(update.Error).To(Equal("provider timeout"))
	})

	It("supplies a default error message for a failed payload with no detail", func() {
		update, err := a.ParseStatus([]byte(`{"status":"failed"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(update.Error).NotTo(BeEmpty())
	})

	It("rejects an unrecognized status value", func() {
		_, err := a.ParseStatus([]byte(`{"status":"banana"}`))
		Expect(err).To(HaveOccurred())
	})
})
