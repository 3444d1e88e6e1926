package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/itchyny/gojq"

	apperrors "github.com/synthome-dev/mediaforge/internal/errors"
	"github.com/synthome-dev/mediaforge/pkg/domain"
)

type createExecutionRequest struct {
	ExecutionPlan domain.Plan             `json:"executionPlan" validate:"required"`
	Webhook       *domain.WebhookDescriptor `json:"webhook,omitempty"`
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := TenantIDFromContext(r.Context())
	if !ok {
		writeAppError(w, apperrors.NewAuthError("missing tenant context"))
		return
	}

	var req createExecutionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 5<<20)).Decode(&req); err != nil {
		writeAppError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decoding request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeAppError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "request validation failed"))
		return
	}
	if err := validatePlanSchema(req.ExecutionPlan); err != nil {
		writeAppError(w, err)
		return
	}

	exec, err := s.orchestrator.CreateExecution(r.Context(), tenantID, req.ExecutionPlan, req.Webhook)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := TenantIDFromContext(r.Context())
	if !ok {
		writeAppError(w, apperrors.NewAuthError("missing tenant context"))
		return
	}
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if exec.TenantID != tenantID {
		writeAppError(w, apperrors.NewNotFoundError("execution"))
		return
	}

	if filter := r.URL.Query().Get("filter"); filter != "" {
		shaped, err := shapeWithJQ(exec, filter)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, shaped)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := TenantIDFromContext(r.Context())
	if !ok {
		writeAppError(w, apperrors.NewAuthError("missing tenant context"))
		return
	}
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if exec.TenantID != tenantID {
		writeAppError(w, apperrors.NewNotFoundError("execution"))
		return
	}
	if exec.Status.IsTerminal() {
		writeAppError(w, apperrors.New(apperrors.ErrorTypeConflict, "execution has already reached a terminal state"))
		return
	}

	if err := s.orchestrator.CancelExecution(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	jobRecordID := chi.URLParam(r, "jobRecordId")
	s.asyncwait.HandleWebhook(w, r, jobRecordID)
}

// shapeWithJQ applies a tenant-supplied jq filter to v, letting status
// consumers project exactly the fields they need (supplemented features).
func shapeWithJQ(v interface{}, filterExpr string) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshaling value for jq filter")
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshaling value for jq filter")
	}

	query, err := gojq.Parse(filterExpr)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "invalid jq filter %q", filterExpr)
	}
	iter := query.Run(input)
	result, ok := iter.Next()
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "jq filter produced no output")
	}
	if err, ok := result.(error); ok {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "jq filter %q failed", filterExpr)
	}
	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	writeJSON(w, appErr.StatusCode, errorBody{Code: appErr.Code, Message: appErr.Message})
}

func isNotFound(err error) bool {
	appErr, ok := apperrors.As(err)
	return ok && appErr.Type == apperrors.ErrorTypeNotFound
}
