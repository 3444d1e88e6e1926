// Package domain holds the core data model of the orchestrator: Execution,
// Job, UsageLimits, ActionLog, and the plan format submitted by callers.
package domain

import "time"

// ExecutionStatus is the lifecycle state of an Execution. Terminal states
// are Completed, Failed, and Cancelled; once terminal it never changes.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can never transition again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// WebhookDescriptor is the submitter's completion-webhook configuration.
type WebhookDescriptor struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// Execution is one user-submitted DAG of jobs.
type Execution struct {
	ID           string            `json:"id" db:"id"`
	TenantID     string            `json:"tenantId" db:"tenant_id"`
	Plan         Plan              `json:"plan" db:"-"`
	PlanJSON     []byte            `json:"-" db:"plan_json"`
	Status       ExecutionStatus   `json:"status" db:"status"`
	Result       *ExecutionResult  `json:"result,omitempty" db:"-"`
	ResultJSON   []byte            `json:"-" db:"result_json"`
	Error        *string           `json:"error,omitempty" db:"error"`
	Webhook      *WebhookDescriptor `json:"webhook,omitempty" db:"-"`
	WebhookJSON  []byte            `json:"-" db:"webhook_json"`

	WebhookDeliveryAttempts int        `json:"-" db:"webhook_delivery_attempts"`
	WebhookLastError        *string    `json:"-" db:"webhook_last_error"`
	WebhookDeliveredAt      *time.Time `json:"-" db:"webhook_delivered_at"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// ExecutionResult is the aggregated output of a completed execution,
// copied from the plan's designated result job.
type ExecutionResult struct {
	JobID   string   `json:"jobId"`
	Outputs []Output `json:"outputs"`
}

// Output is one media artifact produced by a job.
type Output struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}
