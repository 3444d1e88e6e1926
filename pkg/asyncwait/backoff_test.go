package asyncwait

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BackoffPolicy.next", func() {
	policy := BackoffPolicy{Initial: 1 * time.Second, Multiplier: 2, Max: 10 * time.Second, MaxAttempts: 100}

	It("returns the initial wait for the first attempt", func() {
		Expect(policy.next(0)).To(Equal(1 * time.Second))
	})

	It("grows geometrically with the attempt count", func() {
		Expect(policy.next(1)).To(Equal(2 * time.Second))
		Expect(policy.next(2)).To(Equal(4 * time.Second))
		Expect(policy.next(3)).To(Equal(8 * time.Second))
	})

	It("caps at the configured maximum", func() {
		Expect(policy.next(10)).To(Equal(10 * time.Second))
	})
})
