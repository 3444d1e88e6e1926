package httpapi

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/pkg/domain"
)

var _ = Describe("ensureSchemaCompiles", func() {
	It("accepts the embedded plan schema as a valid OpenAPI schema", func() {
		Expect(ensureSchemaCompiles(context.Background())).To(Succeed())
	})
})

var _ = Describe("validatePlanSchema", func() {
	It("accepts a plan with at least one job carrying id and operation", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage", Params: domain.JSONMap{"prompt": "a cat"}},
		}}
		Expect(validatePlanSchema(plan)).To(Succeed())
	})

	It("rejects a plan with no jobs", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{}}
		Expect(validatePlanSchema(plan)).To(HaveOccurred())
	})

	It("rejects a job missing an id", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{{Operation: "generateImage"}}}
		Expect(validatePlanSchema(plan)).To(HaveOccurred())
	})

	It("rejects a job referencing an operation outside the registered catalog", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{{ID: "a", Operation: "notARealOperation"}}}
		Expect(validatePlanSchema(plan)).To(HaveOccurred())
	})

	It("accepts dependsOn and a baseExecutionId alongside jobs", func() {
		plan := domain.Plan{
			BaseExecutionID: "exec-prev",
			Jobs: []domain.JobSpec{
				{ID: "a", Operation: "generateImage", Params: domain.JSONMap{"prompt": "a cat"}},
				{ID: "b", Operation: "removeImageBackground", Params: domain.JSONMap{"image": "$a"}, DependsOn: []string{"a"}},
			},
		}
		Expect(validatePlanSchema(plan)).To(Succeed())
	})
})
