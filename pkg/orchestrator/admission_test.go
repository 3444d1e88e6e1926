package orchestrator

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/synthome-dev/mediaforge/pkg/domain"
)

var _ = Describe("normalizePlan", func() {
	It("lifts a nested operation descriptor into its own sibling job", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{
				ID:        "merge1",
				Operation: "merge",
				Params: domain.JSONMap{
					"clip": domain.JSONMap{
						"type":   "generateVideo",
						"params": domain.JSONMap{"prompt": "a dog running"},
					},
				},
			},
		}}
		out, err := normalizePlan(plan)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Jobs).To(HaveLen(2))

		merge := findJob(out, "merge1")
		Expect(merge.DependsOn).To(HaveLen(1))
		lifted := findJob(out, merge.DependsOn[0])
		Expect(lifted.Operation).To(Equal("generateVideo"))
	})

	It("merges a $-sentinel param reference into dependsOn", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage", Params: domain.JSONMap{"prompt": "a cat"}},
			{ID: "b", Operation: "removeImageBackground", Params: domain.JSONMap{"image": "$a"}},
		}}
		out, err := normalizePlan(plan)
		Expect(err).NotTo(HaveOccurred())
		Expect(findJob(out, "b").DependsOn).To(ConsistOf("a"))
	})

	It("rejects a plan with a duplicate job id", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage"},
			{ID: "a", Operation: "generateImage"},
		}}
		_, err := normalizePlan(plan)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a plan referencing an unregistered operation", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "notARealOperation"},
		}}
		_, err := normalizePlan(plan)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a dependsOn pointing at a job not in the plan", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage", DependsOn: []string{"ghost"}},
		}}
		_, err := normalizePlan(plan)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a cyclic dependency graph", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage", DependsOn: []string{"b"}},
			{ID: "b", Operation: "generateImage", DependsOn: []string{"a"}},
		}}
		_, err := normalizePlan(plan)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("resultJobID", func() {
	It("picks the only job with no dependents in a linear chain", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage"},
			{ID: "b", Operation: "removeImageBackground", DependsOn: []string{"a"}},
		}}
		Expect(resultJobID(plan)).To(Equal("b"))
	})

	It("tie-breaks by insertion order among jobs with no dependents", func() {
		plan := domain.Plan{Jobs: []domain.JobSpec{
			{ID: "a", Operation: "generateImage"},
			{ID: "b", Operation: "generateVideo"},
		}}
		Expect(resultJobID(plan)).To(Equal("b"))
	})
})

func findJob(plan domain.Plan, id string) domain.JobSpec {
	for _, j := range plan.Jobs {
		if j.ID == id {
			return j
		}
	}
	return domain.JobSpec{}
}
