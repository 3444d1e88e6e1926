package httpapi

import (
	"context"
	_ "embed"
	"encoding/json"

	"github.com/getkin/kin-openapi/openapi3"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

//go:embed plan.schema.json
var planSchemaDoc []byte

var planSchema *openapi3.Schema

func init() {
	var s openapi3.Schema
	if err := json.Unmarshal(planSchemaDoc, &s); err != nil {
		panic("httpapi: invalid embedded plan schema: " + err.Error())
	}
	planSchema = &s
}

// validatePlanSchema checks a submitted plan against the OpenAPI schema
// describing the executionPlan shape, catching malformed job entries before
// they ever reach admission.
func validatePlanSchema(plan domain.Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "marshaling plan for schema validation")
	}
	var asAny interface{}
	if err := json.Unmarshal(raw, &asAny); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "unmarshaling plan for schema validation")
	}

	if err := planSchema.VisitJSON(asAny); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "plan does not satisfy executionPlan schema").WithDetails(err.Error())
	}
	for _, job := range plan.Jobs {
		if !domain.RegisteredOperations[job.Operation] {
			return apperrors.Newf(apperrors.ErrorTypeValidation, "unknown operation %q in job %q", job.Operation, job.ID)
		}
	}
	return nil
}

// ensureSchemaCompiles is exercised by tests to fail fast if plan.schema.json
// is ever edited into something openapi3 can't parse.
func ensureSchemaCompiles(ctx context.Context) error {
	return planSchema.Validate(ctx)
}
