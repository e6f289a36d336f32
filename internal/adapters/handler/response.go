// Package handler implements HTTP responses and request handlers
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

// APIResponse represents the standard response envelope
type APIResponse struct {
	Code    int         `json:"code"`            // HTTP status code (200, 400, 500, etc.)
	Message string      `json:"message"`         // Stable machine-readable message
	Data    interface{} `json:"data"`            // Actual payload (can be null)
	Error   *ErrorBody  `json:"error,omitempty"` // Set on failures only
}

// ErrorBody carries the error code and optional detail
type ErrorBody struct {
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// NewSuccessResponse creates a successful response (code 200)
func NewSuccessResponse(data interface{}, message string) APIResponse {
	if message == "" {
		message = "Success"
	}
	return APIResponse{
		Code:    http.StatusOK,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		Code:    code,
		Message: message,
		Data:    nil,
		Error:   &ErrorBody{Code: message},
	}
}

// ErrorWriter renders domain errors. Internal details are only exposed
// in development mode.
type ErrorWriter struct {
	Development bool
}

// Write maps err to a status code and writes the envelope
func (ew ErrorWriter) Write(w http.ResponseWriter, err error) {
	de := domain.AsError(err)
	status := StatusFor(de)

	resp := NewErrorResponse(status, de.Message)
	resp.Error.Code = de.Code

	switch de.Kind {
	case domain.KindUpstream:
		resp.Error.Details = de.Detail
	case domain.KindInternal:
		slog.Error("Internal error", "error", err)
		if ew.Development {
			resp.Error.Details = err.Error()
		}
	}

	writeJSON(w, status, resp)
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(de *domain.Error) int {
	switch de.Kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuth:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUpstream:
		if de.Status >= 400 {
			return de.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to write JSON response", "error", err)
	}
}
