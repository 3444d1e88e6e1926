// Package provider defines the adapter boundary between the orchestrator
// and external media-generation providers, and the mock adapters used when
// no live provider credentials are configured for an operation.
package provider

import (
	"context"

	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// Outcome classifies what happened immediately after a provider call.
type Outcome string

const (
	// OutcomeSync means the provider returned the finished result inline.
	OutcomeSync Outcome = "sync"
	// OutcomeAsync means the provider accepted the job and will report
	// completion later, via webhook or polling per Capabilities.
	OutcomeAsync Outcome = "async"
	// OutcomeFailed means the provider rejected the job outright.
	OutcomeFailed Outcome = "failed"
)

// LaunchResult is what Launch returns immediately after dispatch.
type LaunchResult struct {
	Outcome       Outcome
	Result        *domain.JobResult // set when Outcome == OutcomeSync
	ProviderJobID string            // set when Outcome == OutcomeAsync
	Err           error             // set when Outcome == OutcomeFailed
}

// Capabilities describes how a provider reports completion for async jobs.
type Capabilities struct {
	SupportsWebhook bool
	SupportsPolling bool
}

type apiKeyContextKey struct{}

// WithAPIKey attaches a resolved provider credential to ctx for the
// duration of a single Launch/Poll call. An adapter with a live backend
// reads it via APIKeyFromContext; the mock adapters ignore it.
func WithAPIKey(ctx context.Context, apiKey string) context.Context {
	if apiKey == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyContextKey{}, apiKey)
}

// APIKeyFromContext returns the credential attached by WithAPIKey, if any.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(apiKeyContextKey{}).(string)
	return v, ok
}

// Adapter is the boundary every provider integration implements. Launch
// must be safe to call with already-resolved params (sentinel
// substitution happens upstream in pkg/resolver).
type Adapter interface {
	Operation() string
	Capabilities() Capabilities
	Launch(ctx context.Context, params domain.JSONMap) (LaunchResult, error)
	// ParseStatus interprets a webhook or poll-response payload for a job
	// previously launched by this adapter.
	ParseStatus(payload []byte) (StatusUpdate, error)
	// Poll actively queries the provider for providerJobID's current status,
	// returning a raw payload suitable for ParseStatus. Only called for
	// jobs whose WaitStrategy is polling.
	Poll(ctx context.Context, providerJobID string) ([]byte, error)
}

// StatusUpdate is the normalized outcome of a provider status payload.
type StatusUpdate struct {
	Status domain.JobStatus // JobProcessing | JobCompleted | JobFailed
	Result *domain.JobResult
	Error  string
}
