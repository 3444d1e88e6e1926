// Package resolver substitutes sentinel references to upstream job outputs
// into a job's params immediately before dispatch.
package resolver

import (
	"fmt"
	"strings"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

const nestedDependencyPrefix = "_imageJobDependency:"

// UpstreamLookup resolves a plan-local job id to its completed state.
// Implementations must only return ok=true for jobs in the same execution.
type UpstreamLookup func(planLocalID string) (job *domain.Job, ok bool)

// Resolve walks params recursively, substituting `$id`, `from-id`, and
// `_imageJobDependency:id` sentinel strings with the referenced upstream
// job's primary output URL. It returns a new JSONMap; the input is not
// mutated.
func Resolve(params domain.JSONMap, lookup UpstreamLookup) (domain.JSONMap, error) {
	out, err := resolveValue(params, lookup)
	if err != nil {
		return nil, err
	}
	m, _ := out.(domain.JSONMap)
	return m, nil
}

func resolveValue(v interface{}, lookup UpstreamLookup) (interface{}, error) {
	switch t := v.(type) {
	case domain.JSONMap:
		return resolveMap(t, lookup)
	case map[string]interface{}:
		return resolveMap(domain.JSONMap(t), lookup)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			r, err := resolveValue(e, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		ref, ok := ParseReference(t)
		if !ok {
			return t, nil
		}
		return resolveReference(ref, lookup)
	default:
		return v, nil
	}
}

func resolveMap(m domain.JSONMap, lookup UpstreamLookup) (domain.JSONMap, error) {
	out := make(domain.JSONMap, len(m))
	for k, v := range m {
		r, err := resolveValue(v, lookup)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func resolveReference(planLocalID string, lookup UpstreamLookup) (string, error) {
	job, ok := lookup(planLocalID)
	if !ok {
		return "", apperrors.Newf(apperrors.ErrorTypeValidation,
			"param reference %q does not resolve to a job in this execution", planLocalID)
	}
	if job.Status != domain.JobCompleted {
		return "", apperrors.Newf(apperrors.ErrorTypeValidation,
			"param reference %q is not yet completed (status=%s)", planLocalID, job.Status)
	}
	output, ok := job.Result.PrimaryOutput()
	if !ok {
		return "", apperrors.Newf(apperrors.ErrorTypeValidation,
			"job %q produced no outputs to resolve", planLocalID)
	}
	return output.URL, nil
}

// ParseReference recognizes the three sentinel reference forms and returns
// the plan-local job id they point at. ok is false for ordinary strings.
func ParseReference(s string) (planLocalID string, ok bool) {
	switch {
	case strings.HasPrefix(s, nestedDependencyPrefix):
		return s[len(nestedDependencyPrefix):], true
	case strings.HasPrefix(s, "from-"):
		return s[len("from-"):], true
	case strings.HasPrefix(s, "$") && len(s) > 1:
		return s[1:], true
	default:
		return "", false
	}
}

// CollectReferences walks params and returns every plan-local id referenced
// by a sentinel string, used at plan admission to canonicalize dependsOn
// ("Dependency references").
func CollectReferences(params domain.JSONMap) []string {
	var ids []string
	seen := map[string]bool{}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case domain.JSONMap:
			for _, e := range t {
				walk(e)
			}
		case map[string]interface{}:
			for _, e := range t {
				walk(e)
			}
		case []interface{}:
			for _, e := range t {
				walk(e)
			}
		case string:
			if id, ok := ParseReference(t); ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	walk(params)
	return ids
}

// DebugString renders a reference failure path for logging.
func DebugString(planLocalID string) string {
	return fmt.Sprintf("$%s", planLocalID)
}
