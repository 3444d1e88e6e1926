package domain

import "time"

// JobStatus is the lifecycle state of a Job. Transitions only move forward:
// pending -> processing -> (waiting ->)? completed|failed|cancelled.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobWaiting    JobStatus = "waiting"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether the job status can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsRunnable reports whether a job might still produce a terminal outcome,
// i.e. the execution cannot yet be rolled up to a terminal state.
func (s JobStatus) IsRunnable() bool {
	switch s {
	case JobPending, JobProcessing, JobWaiting:
		return true
	default:
		return false
	}
}

// WaitStrategy is how an async job is driven to completion.
type WaitStrategy string

const (
	WaitNone    WaitStrategy = ""
	WaitWebhook WaitStrategy = "webhook"
	WaitPolling WaitStrategy = "polling"
)

// Job is one unit of work within an Execution.
type Job struct {
	RecordID    string    `json:"id" db:"id"`
	ExecutionID string    `json:"executionId" db:"execution_id"`
	PlanLocalID string    `json:"planLocalId" db:"plan_local_id"`
	Operation   string    `json:"operation" db:"operation"`
	Params      JSONMap   `json:"params" db:"-"`
	ParamsJSON  []byte    `json:"-" db:"params_json"`
	DependsOn   []string  `json:"dependsOn" db:"-"`
	DependsOnJSON []byte  `json:"-" db:"depends_on_json"`

	Status JobStatus `json:"status" db:"status"`
	Result *JobResult `json:"result,omitempty" db:"-"`
	ResultJSON []byte `json:"-" db:"result_json"`
	Error  *string    `json:"error,omitempty" db:"error"`

	ProviderJobID *string      `json:"-" db:"provider_job_id"`
	WaitStrategy  WaitStrategy `json:"-" db:"wait_strategy"`
	NextPollAt    *time.Time   `json:"-" db:"next_poll_at"`
	PollAttempts  int          `json:"-" db:"poll_attempts"`
	LastPollError *string      `json:"-" db:"last_poll_error"`

	ActionLogged bool `json:"-" db:"action_logged"`

	CreatedAt   time.Time  `json:"-" db:"created_at"`
	StartedAt   *time.Time `json:"-" db:"started_at"`
	CompletedAt *time.Time `json:"-" db:"completed_at"`
}

// JobResult mirrors ExecutionResult's Outputs shape for a single job.
type JobResult struct {
	Outputs []Output `json:"outputs"`
}

// PrimaryOutput returns the first output, used by $jobId substitution.
// The bool is false when the job produced no outputs.
func (r *JobResult) PrimaryOutput() (Output, bool) {
	if r == nil || len(r.Outputs) == 0 {
		return Output{}, false
	}
	return r.Outputs[0], true
}

// JSONMap is an opaque, recursively-substitutable parameter bag.
type JSONMap map[string]interface{}
