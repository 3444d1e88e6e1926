package provider

import (
	"context"
	"sync"

	"github.com/sony/gobreaker"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

// registryEntry pairs an adapter with its own circuit breaker so a model's
// outage never trips the breaker for a sibling model on the same operation.
type registryEntry struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// Registry resolves (operation, modelId) to its Adapter and guards every
// Launch call behind a per-entry circuit breaker so a provider outage
// degrades to fast failures instead of saturating the worker pool.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry; call Register (and RegisterModel
// for any model-specific override) for every supported operation kind
// before starting the worker pool.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register binds an Adapter as the default for its operation kind, used
// when a job's params carry no modelId or no entry matches that model.
func (r *Registry) Register(a Adapter) {
	r.register(a.Operation(), "", a)
}

// RegisterModel binds an Adapter to a specific (operation, modelId) pair,
// taking precedence over the operation's default adapter whenever a job's
// resolved params specify that modelId.
func (r *Registry) RegisterModel(modelID string, a Adapter) {
	r.register(a.Operation(), modelID, a)
}

func (r *Registry) register(operation, modelID string, a Adapter) {
	key := registryKey(operation, modelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = registryEntry{
		adapter: a,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Get returns the adapter registered for (operation, modelId), falling back
// to operation's default adapter when modelId has no dedicated entry, or an
// error if neither is registered (an admission bug — RegisteredOperations
// should have caught this earlier).
func (r *Registry) Get(operation, modelID string) (Adapter, error) {
	entry, ok := r.lookup(operation, modelID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrorTypeInternal, "no provider adapter registered for operation %q modelId %q", operation, modelID)
	}
	return entry.adapter, nil
}

func (r *Registry) lookup(operation, modelID string) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[registryKey(operation, modelID)]; ok {
		return e, true
	}
	if modelID != "" {
		if e, ok := r.entries[registryKey(operation, "")]; ok {
			return e, true
		}
	}
	return registryEntry{}, false
}

// Launch dispatches params to the adapter registered for (operation,
// modelId), through that entry's circuit breaker. modelId is read by the
// caller from the job's resolved params (params["modelId"]); an empty
// modelId dispatches to operation's default adapter. apiKey, if non-empty,
// overrides the adapter's own configured credential for this call only —
// the caller resolves precedence (client-supplied override over
// tenant-stored override over platform default) before calling Launch.
func (r *Registry) Launch(ctx context.Context, operation, modelID string, params domain.JSONMap, apiKey string) (LaunchResult, error) {
	entry, ok := r.lookup(operation, modelID)
	if !ok {
		return LaunchResult{}, apperrors.Newf(apperrors.ErrorTypeInternal, "no provider adapter registered for operation %q modelId %q", operation, modelID)
	}
	ctx = WithAPIKey(ctx, apiKey)

	out, err := entry.breaker.Execute(func() (interface{}, error) {
		res, err := entry.adapter.Launch(ctx, params)
		if err != nil {
			return LaunchResult{}, err
		}
		return res, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return LaunchResult{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "provider circuit open for "+operation)
		}
		return LaunchResult{}, apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "provider launch failed for "+operation)
	}
	return out.(LaunchResult), nil
}

// registryKey is a plain lookup-table key: no class hierarchy, just
// operation scoped further by an optional modelId.
func registryKey(operation, modelID string) string {
	if modelID == "" {
		return operation
	}
	return operation + "::" + modelID
}

// ModelIDFromParams reads the modelId dispatch dimension out of a job's
// resolved params, defaulting to "" (the operation's default adapter) when
// absent.
func ModelIDFromParams(params domain.JSONMap) string {
	modelID, _ := params["modelId"].(string)
	return modelID
}
