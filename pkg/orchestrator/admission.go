package orchestrator

import (
	"fmt"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/resolver"
)

// normalizePlan lowers nested operation descriptors to sibling jobs and
// canonicalizes every param reference into dependsOn, then validates the
// result is acyclic and fully resolvable.
func normalizePlan(plan domain.Plan) (domain.Plan, error) {
	lowered, err := lowerNestedOperations(plan)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := canonicalizeDependencies(&lowered); err != nil {
		return domain.Plan{}, err
	}
	if err := validateAcyclic(lowered); err != nil {
		return domain.Plan{}, err
	}
	return lowered, nil
}

// lowerNestedOperations implements "Nested operation descriptors in
// params": a param value of the shape {type: op, params: {...}} is lifted
// into its own sibling JobSpec with an auto-generated id, and the parent
// param is rewritten to the sentinel string `_imageJobDependency:<id>`.
func lowerNestedOperations(plan domain.Plan) (domain.Plan, error) {
	out := domain.Plan{BaseExecutionID: plan.BaseExecutionID}
	counter := 0
	nextID := func() string {
		counter++
		return fmt.Sprintf("_lifted_%d", counter)
	}

	var lifted []domain.JobSpec
	var lowerValue func(v interface{}) (interface{}, error)
	lowerValue = func(v interface{}) (interface{}, error) {
		switch t := v.(type) {
		case domain.JSONMap:
			if spec, ok := asNestedOperation(t); ok {
				id := nextID()
				loweredParams, err := lowerParams(spec.Params)
				if err != nil {
					return nil, err
				}
				lifted = append(lifted, domain.JobSpec{
					ID:        id,
					Operation: spec.Operation,
					Params:    loweredParams,
				})
				return "_imageJobDependency:" + id, nil
			}
			newMap := make(domain.JSONMap, len(t))
			for k, e := range t {
				r, err := lowerValue(e)
				if err != nil {
					return nil, err
				}
				newMap[k] = r
			}
			return newMap, nil
		case map[string]interface{}:
			return lowerValue(domain.JSONMap(t))
		case []interface{}:
			newSlice := make([]interface{}, len(t))
			for i, e := range t {
				r, err := lowerValue(e)
				if err != nil {
					return nil, err
				}
				newSlice[i] = r
			}
			return newSlice, nil
		default:
			return v, nil
		}
	}
	lowerParams := func(params domain.JSONMap) (domain.JSONMap, error) {
		r, err := lowerValue(params)
		if err != nil {
			return nil, err
		}
		m, _ := r.(domain.JSONMap)
		return m, nil
	}

	for _, job := range plan.Jobs {
		params, err := lowerParams(job.Params)
		if err != nil {
			return domain.Plan{}, err
		}
		job.Params = params
		out.Jobs = append(out.Jobs, job)
	}
	out.Jobs = append(out.Jobs, lifted...)
	return out, nil
}

type nestedOperation struct {
	Operation string
	Params    domain.JSONMap
}

// asNestedOperation recognizes {"type": "<op>", "params": {...}} maps whose
// type names a registered operation kind.
func asNestedOperation(m domain.JSONMap) (nestedOperation, bool) {
	typeVal, ok := m["type"]
	if !ok {
		return nestedOperation{}, false
	}
	opName, ok := typeVal.(string)
	if !ok || !domain.RegisteredOperations[opName] {
		return nestedOperation{}, false
	}
	paramsVal, ok := m["params"]
	if !ok {
		return nestedOperation{}, false
	}
	params, ok := paramsVal.(domain.JSONMap)
	if !ok {
		if asMap, isMap := paramsVal.(map[string]interface{}); isMap {
			params = domain.JSONMap(asMap)
		} else {
			return nestedOperation{}, false
		}
	}
	return nestedOperation{Operation: opName, Params: params}, true
}

// canonicalizeDependencies merges every param sentinel reference into the
// job's declared dependsOn list, rejecting references that do not resolve
// to a sibling job in the plan.
func canonicalizeDependencies(plan *domain.Plan) error {
	ids := make(map[string]bool, len(plan.Jobs))
	for _, j := range plan.Jobs {
		if ids[j.ID] {
			return apperrors.Newf(apperrors.ErrorTypeValidation, "duplicate job id %q in plan", j.ID)
		}
		ids[j.ID] = true
	}

	for i := range plan.Jobs {
		job := &plan.Jobs[i]
		if !domain.RegisteredOperations[job.Operation] {
			return apperrors.Newf(apperrors.ErrorTypeValidation, "job %q: unsupported operation %q", job.ID, job.Operation)
		}
		refs := resolver.CollectReferences(job.Params)
		declared := make(map[string]bool, len(job.DependsOn))
		for _, d := range job.DependsOn {
			declared[d] = true
		}
		for _, ref := range refs {
			if !ids[ref] {
				return apperrors.Newf(apperrors.ErrorTypeValidation, "job %q: param reference %q does not match any job in the plan", job.ID, ref)
			}
			if !declared[ref] {
				job.DependsOn = append(job.DependsOn, ref)
				declared[ref] = true
			}
		}
		for _, dep := range job.DependsOn {
			if !ids[dep] {
				return apperrors.Newf(apperrors.ErrorTypeValidation, "job %q: dependsOn references unknown job %q", job.ID, dep)
			}
		}
	}
	return nil
}

// validateAcyclic rejects plans whose dependsOn graph contains a cycle.
func validateAcyclic(plan domain.Plan) error {
	deps := make(map[string][]string, len(plan.Jobs))
	for _, j := range plan.Jobs {
		deps[j.ID] = j.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan.Jobs))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return apperrors.Newf(apperrors.ErrorTypeValidation, "cyclic dependency detected at job %q", id)
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, j := range plan.Jobs {
		if err := visit(j.ID); err != nil {
			return err
		}
	}
	return nil
}

// topologicalOrder returns plan job ids sorted by dependency rank, with
// insertion-order tie-breaking, used to pick the execution's result job.
func topologicalOrder(plan domain.Plan) []string {
	index := make(map[string]int, len(plan.Jobs))
	deps := make(map[string][]string, len(plan.Jobs))
	for i, j := range plan.Jobs {
		index[j.ID] = i
		deps[j.ID] = j.DependsOn
	}

	rank := make(map[string]int, len(plan.Jobs))
	var computeRank func(id string) int
	visiting := make(map[string]bool)
	computeRank = func(id string) int {
		if r, ok := rank[id]; ok {
			return r
		}
		if visiting[id] {
			return 0 // cycle already rejected at admission
		}
		visiting[id] = true
		max := -1
		for _, dep := range deps[id] {
			if r := computeRank(dep); r > max {
				max = r
			}
		}
		rank[id] = max + 1
		visiting[id] = false
		return rank[id]
	}
	for _, j := range plan.Jobs {
		computeRank(j.ID)
	}

	ordered := make([]string, len(plan.Jobs))
	for i, j := range plan.Jobs {
		ordered[i] = j.ID
	}
	// stable sort by (rank, insertion index)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			a, b := ordered[j-1], ordered[j]
			if rank[a] > rank[b] || (rank[a] == rank[b] && index[a] > index[b]) {
				ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
			} else {
				break
			}
		}
	}
	return ordered
}

// resultJobID picks the "designated result job": the last job in
// topological order with no dependents, insertion-order tie-broken.
func resultJobID(plan domain.Plan) string {
	hasDependent := make(map[string]bool, len(plan.Jobs))
	for _, j := range plan.Jobs {
		for _, dep := range j.DependsOn {
			hasDependent[dep] = true
		}
	}
	ordered := topologicalOrder(plan)
	var last string
	for _, id := range ordered {
		if !hasDependent[id] {
			last = id
		}
	}
	return last
}
