package orchestrator

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

// fakeOJTStore/fakeOJTTx serve a single completed job so OnJobTerminal's
// usage-ledger branch can be exercised in isolation, without a real Postgres
// or Redis dependency.
type fakeOJTStore struct {
	store.Store
	tx *fakeOJTTx
}

func (f *fakeOJTStore) WithTx(_ context.Context, fn func(store.Tx) error) error {
	return fn(f.tx)
}

type fakeOJTTx struct {
	store.Tx

	job      domain.Job
	siblings []domain.Job
	exec     domain.Execution
	limits   domain.UsageLimits

	appended      []domain.ActionLog
	incUsed       []int
	incOver       []int
	statusUpdates []domain.JobStatus
}

func (tx *fakeOJTTx) GetJobForUpdate(context.Context, string) (*domain.Job, error) {
	j := tx.job
	return &j, nil
}

func (tx *fakeOJTTx) ListJobsForUpdate(context.Context, string) ([]domain.Job, error) {
	return tx.siblings, nil
}

func (tx *fakeOJTTx) GetExecutionForUpdate(context.Context, string) (*domain.Execution, error) {
	e := tx.exec
	return &e, nil
}

func (tx *fakeOJTTx) GetUsageLimitsForUpdate(context.Context, string) (*domain.UsageLimits, error) {
	l := tx.limits
	return &l, nil
}

func (tx *fakeOJTTx) AppendActionLog(_ context.Context, log domain.ActionLog) error {
	tx.appended = append(tx.appended, log)
	return nil
}

func (tx *fakeOJTTx) IncrementUsage(_ context.Context, _ string, count, overageCount int) error {
	tx.incUsed = append(tx.incUsed, count)
	tx.incOver = append(tx.incOver, overageCount)
	return nil
}

func (tx *fakeOJTTx) UpdateJobStatus(_ context.Context, _ string, status domain.JobStatus, _ *domain.JobResult, _ *string) error {
	tx.statusUpdates = append(tx.statusUpdates, status)
	tx.job.Status = status
	return nil
}

func (tx *fakeOJTTx) MarkJobActionLogged(context.Context, string) error { return nil }

func (tx *fakeOJTTx) UpdateExecutionStatus(context.Context, string, domain.ExecutionStatus, *domain.ExecutionResult) error {
	return nil
}

var _ = Describe("OnJobTerminal usage accounting", func() {
	var (
		tx *fakeOJTTx
		o  *Orchestrator
	)

	BeforeEach(func() {
		job := domain.Job{RecordID: "job-1", ExecutionID: "exec-1", PlanLocalID: "a", Operation: "generateImage", Status: domain.JobCompleted}
		tx = &fakeOJTTx{
			job:      job,
			siblings: []domain.Job{job},
			exec:     domain.Execution{ID: "exec-1", TenantID: "tenant-1"},
		}
		o = New(&fakeOJTStore{tx: tx}, nil, nil, zap.NewNop())
	})

	It("logs a regular action and increments the regular counter when within quota", func() {
		tx.limits = domain.UsageLimits{MonthlyActionLimit: 100, ActionsUsedThisPeriod: 10}

		Expect(o.OnJobTerminal(context.Background(), "job-1", worker.TerminalOutcome{Status: domain.JobCompleted})).To(Succeed())

		Expect(tx.appended).To(HaveLen(1))
		Expect(tx.appended[0].IsOverage).To(BeFalse())
		Expect(tx.appended[0].EstimatedCost).To(BeZero())
		Expect(tx.incUsed).To(Equal([]int{1}))
		Expect(tx.incOver).To(Equal([]int{0}))
	})

	It("logs an overage action and increments the overage counter once the limit is reached", func() {
		tx.limits = domain.UsageLimits{MonthlyActionLimit: 10, ActionsUsedThisPeriod: 10, OverageActionPrice: 0.25}

		Expect(o.OnJobTerminal(context.Background(), "job-1", worker.TerminalOutcome{Status: domain.JobCompleted})).To(Succeed())

		Expect(tx.appended).To(HaveLen(1))
		Expect(tx.appended[0].IsOverage).To(BeTrue())
		Expect(tx.appended[0].EstimatedCost).To(Equal(0.25))
		Expect(tx.incUsed).To(Equal([]int{0}))
		Expect(tx.incOver).To(Equal([]int{1}))
	})

	It("never flags overage for an unlimited plan even past the nominal limit", func() {
		tx.limits = domain.UsageLimits{MonthlyActionLimit: 10, ActionsUsedThisPeriod: 50, Unlimited: true}

		Expect(o.OnJobTerminal(context.Background(), "job-1", worker.TerminalOutcome{Status: domain.JobCompleted})).To(Succeed())

		Expect(tx.appended[0].IsOverage).To(BeFalse())
		Expect(tx.incUsed).To(Equal([]int{1}))
		Expect(tx.incOver).To(Equal([]int{0}))
	})

	It("applies the terminal status write and the usage ledger in the same transaction for a job still processing", func() {
		tx.job.Status = domain.JobProcessing
		tx.siblings = []domain.Job{tx.job}
		tx.limits = domain.UsageLimits{MonthlyActionLimit: 100, ActionsUsedThisPeriod: 0}

		outcome := worker.TerminalOutcome{Status: domain.JobCompleted, Result: &domain.JobResult{Outputs: []domain.Output{{Type: "image", URL: "https://x/y.png"}}}}
		Expect(o.OnJobTerminal(context.Background(), "job-1", outcome)).To(Succeed())

		Expect(tx.statusUpdates).To(Equal([]domain.JobStatus{domain.JobCompleted}),
			"a crash between the provider call and this commit must never leave the job terminal without its usage logged")
		Expect(tx.appended).To(HaveLen(1))
		Expect(tx.incUsed).To(Equal([]int{1}))
	})

	It("rejects a non-terminal outcome for a job that hasn't already reached a terminal state", func() {
		tx.job.Status = domain.JobProcessing
		tx.siblings = []domain.Job{tx.job}

		err := o.OnJobTerminal(context.Background(), "job-1", worker.TerminalOutcome{Status: domain.JobProcessing})
		Expect(err).To(HaveOccurred())
	})
})
