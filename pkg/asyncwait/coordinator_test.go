package asyncwait

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/provider"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

type fakeAWStore struct {
	store.Store

	job *domain.Job
	tx  *fakeAWTx
}

func newFakeAWStore(job *domain.Job) *fakeAWStore {
	return &fakeAWStore{job: job, tx: &fakeAWTx{job: job}}
}

func (f *fakeAWStore) GetJob(context.Context, string) (*domain.Job, error) { return f.job, nil }
func (f *fakeAWStore) WithTx(_ context.Context, fn func(store.Tx) error) error {
	return fn(f.tx)
}

type fakeAWTx struct {
	store.Tx

	job *domain.Job

	statusUpdates  []statusCall
	pollIncrements []pollIncrementCall
}

type statusCall struct {
	jobRecordID string
	status      domain.JobStatus
	result      *domain.JobResult
	errMsg      *string
}

type pollIncrementCall struct {
	jobRecordID string
	nextPollAt  time.Time
	lastErr     *string
}

func (tx *fakeAWTx) UpdateJobStatus(_ context.Context, jobRecordID string, status domain.JobStatus, result *domain.JobResult, errMsg *string) error {
	tx.statusUpdates = append(tx.statusUpdates, statusCall{jobRecordID, status, result, errMsg})
	if tx.job != nil && tx.job.RecordID == jobRecordID {
		tx.job.Status = status
	}
	return nil
}

func (tx *fakeAWTx) IncrementJobPollAttempt(_ context.Context, jobRecordID string, nextPollAt time.Time, lastErr *string) error {
	tx.pollIncrements = append(tx.pollIncrements, pollIncrementCall{jobRecordID, nextPollAt, lastErr})
	return nil
}

// fakeNotifier records every job it was asked to terminate. job, if set,
// mimics the status write OnJobTerminal performs in its own transaction so
// callers that re-read job state afterward (the poller's
// scheduleNextPollIfStillWaiting) observe the same effect a real store would.
type fakeNotifier struct {
	notified []string
	outcomes []worker.TerminalOutcome
	job      *domain.Job
}

func (n *fakeNotifier) OnJobTerminal(_ context.Context, jobRecordID string, outcome worker.TerminalOutcome) error {
	n.notified = append(n.notified, jobRecordID)
	n.outcomes = append(n.outcomes, outcome)
	if n.job != nil && n.job.RecordID == jobRecordID {
		n.job.Status = outcome.Status
	}
	return nil
}

// statusAdapter lets a test script exactly what ParseStatus/Poll return.
type statusAdapter struct {
	operation  string
	update     provider.StatusUpdate
	updateErr  error
	pollPayload []byte
	pollErr    error
}

func (a *statusAdapter) Operation() string                  { return a.operation }
func (a *statusAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }
func (a *statusAdapter) Launch(context.Context, domain.JSONMap) (provider.LaunchResult, error) {
	return provider.LaunchResult{}, nil
}
func (a *statusAdapter) ParseStatus([]byte) (provider.StatusUpdate, error) {
	return a.update, a.updateErr
}
func (a *statusAdapter) Poll(context.Context, string) ([]byte, error) {
	return a.pollPayload, a.pollErr
}

var _ = Describe("Coordinator.ApplyStatusPayload", func() {
	var (
		ctx   context.Context
		job   *domain.Job
		fs    *fakeAWStore
		notif *fakeNotifier
		reg   *provider.Registry
		adp   *statusAdapter
		coord *Coordinator
	)

	BeforeEach(func() {
		ctx = context.Background()
		job = &domain.Job{RecordID: "job-1", Operation: "generateImage", Status: domain.JobWaiting}
		fs = newFakeAWStore(job)
		notif = &fakeNotifier{}
		adp = &statusAdapter{operation: "generateImage"}
		reg = provider.NewRegistry()
		reg.Register(adp)
		coord = New(fs, reg, notif, DefaultBackoffPolicy(), zap.NewNop())
	})

	It("is a no-op for a job that has already reached a terminal state", func() {
		job.Status = domain.JobCompleted
		Expect(coord.ApplyStatusPayload(ctx, "job-1", []byte(`{}`))).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty())
	})

	It("leaves the job untouched on a processing update", func() {
		adp.update = provider.StatusUpdate{Status: domain.JobProcessing}
		Expect(coord.ApplyStatusPayload(ctx, "job-1", []byte(`{}`))).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty())
	})

	It("completes the job and notifies on a completed update", func() {
		adp.update = provider.StatusUpdate{
			Status: domain.JobCompleted,
			Result: &domain.JobResult{Outputs: []domain.Output{{Type: "image", URL: "https://x/y.png"}}},
		}
		Expect(coord.ApplyStatusPayload(ctx, "job-1", []byte(`{}`))).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty(), "the terminal status write now happens inside OnJobTerminal's transaction")
		Expect(notif.notified).To(ConsistOf("job-1"))
		last := notif.outcomes[len(notif.outcomes)-1]
		Expect(last.Status).To(Equal(domain.JobCompleted))
		Expect(last.Result.Outputs[0].URL).To(Equal("https://x/y.png"))
	})

	It("fails the job and notifies on a failed update", func() {
		adp.update = provider.StatusUpdate{Status: domain.JobFailed, Error: "provider error"}
		Expect(coord.ApplyStatusPayload(ctx, "job-1", []byte(`{}`))).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty(), "the terminal status write now happens inside OnJobTerminal's transaction")
		Expect(notif.notified).To(ConsistOf("job-1"))
		last := notif.outcomes[len(notif.outcomes)-1]
		Expect(last.Status).To(Equal(domain.JobFailed))
		Expect(*last.ErrMsg).To(Equal("provider error"))
	})

	It("errors on a status the adapter never should have returned", func() {
		adp.update = provider.StatusUpdate{Status: domain.JobPending}
		err := coord.ApplyStatusPayload(ctx, "job-1", []byte(`{}`))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Coordinator.pollJob", func() {
	var (
		ctx   context.Context
		job   domain.Job
		fs    *fakeAWStore
		notif *fakeNotifier
		reg   *provider.Registry
		adp   *statusAdapter
		coord *Coordinator
	)

	providerJobID := "prov-1"

	BeforeEach(func() {
		ctx = context.Background()
		job = domain.Job{RecordID: "job-1", Operation: "generateImage", Status: domain.JobWaiting, ProviderJobID: &providerJobID}
		fs = newFakeAWStore(&job)
		notif = &fakeNotifier{job: &job}
		adp = &statusAdapter{operation: "generateImage"}
		reg = provider.NewRegistry()
		reg.Register(adp)
		coord = New(fs, reg, notif, BackoffPolicy{Initial: time.Second, Multiplier: 2, Max: time.Minute, MaxAttempts: 3}, zap.NewNop())
	})

	It("fails the job once it has exhausted its maximum poll attempts", func() {
		job.PollAttempts = 3
		Expect(coord.pollJob(ctx, job)).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty(), "the terminal status write now happens inside OnJobTerminal's transaction")
		Expect(notif.notified).To(ConsistOf("job-1"))
		Expect(notif.outcomes[len(notif.outcomes)-1].Status).To(Equal(domain.JobFailed))
	})

	It("does nothing for a job with no provider job id yet", func() {
		job.ProviderJobID = nil
		Expect(coord.pollJob(ctx, job)).To(Succeed())
		Expect(fs.tx.statusUpdates).To(BeEmpty())
		Expect(fs.tx.pollIncrements).To(BeEmpty())
	})

	It("schedules a backoff retry when Poll itself errors", func() {
		adp.pollErr = errPollFailed
		Expect(coord.pollJob(ctx, job)).To(Succeed())
		Expect(fs.tx.pollIncrements).To(HaveLen(1))
		Expect(fs.tx.pollIncrements[0].lastErr).NotTo(BeNil())
	})

	It("schedules the next poll when the payload leaves the job still waiting", func() {
		adp.pollPayload = []byte(`{"status":"processing"}`)
		adp.update = provider.StatusUpdate{Status: domain.JobProcessing}
		Expect(coord.pollJob(ctx, job)).To(Succeed())
		Expect(fs.tx.pollIncrements).To(HaveLen(1))
		Expect(fs.tx.pollIncrements[0].lastErr).To(BeNil())
	})

	It("schedules no further poll once the payload resolves the job to a terminal state", func() {
		adp.update = provider.StatusUpdate{Status: domain.JobCompleted, Result: &domain.JobResult{}}
		Expect(coord.pollJob(ctx, job)).To(Succeed())
		Expect(notif.outcomes).To(HaveLen(1))
		Expect(fs.tx.pollIncrements).To(BeEmpty())
	})
})

var errPollFailed = &pollError{"provider poll endpoint unreachable"}

type pollError struct{ msg string }

func (e *pollError) Error() string { return e.msg }
