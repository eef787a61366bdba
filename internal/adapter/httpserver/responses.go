// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the chat-facing REST surface: job creation, the job read view,
// and the SSE event stream. Handlers stay thin and delegate to the usecase
// layer; this package owns only HTTP concerns.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driftwave/mediagen/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// writeAPIError emits a specific error code that does not map through the
// domain sentinels, e.g. MISSING_IDEMPOTENCY_KEY.
func writeAPIError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
