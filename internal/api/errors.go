package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kalambet/dispatch/internal/pipeline"
)

// Error types carried in the "type" field of the error envelope.
const (
	errBadRequest         = "bad_request"
	errUnauthorized       = "unauthorized"
	errNotFound           = "not_found"
	errValidation         = "validation_error"
	errRateLimited        = "rate_limited"
	errInternal           = "internal_error"
	errServiceUnavailable = "service_unavailable"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// pipelineStatus maps a failed run onto one HTTP status. The envelope type is
// the failure kind itself so clients can tell a quota problem from a timeout.
func pipelineStatus(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindExpansion, pipeline.KindAllSourcesFailed:
		return http.StatusBadGateway
	case pipeline.KindQuota, pipeline.KindProvider, pipeline.KindCancelled:
		return http.StatusServiceUnavailable
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindGuardrail:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writePipelineError(w http.ResponseWriter, err error) {
	pe, ok := pipeline.AsPipelineError(err)
	if !ok {
		httpError(w, http.StatusInternalServerError, errInternal, "newsletter generation failed: %v", err)
		return
	}
	httpError(w, pipelineStatus(pe.Kind), string(pe.Kind), "%v", pe)
}
