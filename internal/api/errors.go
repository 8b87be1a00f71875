package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/model"
)

// Error types returned in the envelope.
const (
	TypeValidation   = "validation_error"
	TypeUnauthorized = "unauthorized"
	TypeForbidden    = "forbidden"
	TypeNotFound     = "not_found"
	TypeConflict     = "conflict"
	TypeNoMatch      = "no_matching_businesses"
	TypeRateLimited  = "rate_limited"
	TypeInternal     = "internal_error"
)

// errRateLimited is returned by the submit limiter.
var errRateLimited = eris.New("too many batch submissions, slow down")

type errorPayload struct {
	Type    string             `json:"type"`
	Message string             `json:"message"`
	Code    string             `json:"code,omitempty"`
	Errors  []model.FieldError `json:"errors,omitempty"`
	Status  model.JobStatus    `json:"status,omitempty"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

// mapError converts a domain error into an HTTP status and payload. Internal
// errors never leak their message.
func mapError(err error) (int, errorPayload) {
	var (
		verr  *model.ValidationError
		nf    *model.NotFoundError
		state *model.ResourceStateError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorPayload{Type: TypeValidation, Message: "validation error", Errors: verr.Fields}
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: TypeUnauthorized, Message: model.ErrUnauthorized.Error()}
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, errorPayload{Type: TypeForbidden, Message: model.ErrForbidden.Error()}
	case errors.Is(err, model.ErrNoMatchingBusinesses):
		return http.StatusNotFound, errorPayload{Type: TypeNoMatch, Message: model.ErrNoMatchingBusinesses.Error()}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorPayload{Type: TypeNotFound, Message: nf.Error()}
	case errors.As(err, &state):
		return http.StatusConflict, errorPayload{Type: TypeConflict, Message: state.Message, Code: state.Code, Status: state.Status}
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: TypeRateLimited, Message: errRateLimited.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: TypeInternal, Message: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		zap.L().Debug("api: request rejected",
			zap.String("path", r.URL.Path),
			zap.String("type", payload.Type),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorEnvelope{Error: payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
