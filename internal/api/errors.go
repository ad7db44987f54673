package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/allowance-scanner/internal/errors"
	"github.com/allowance-scanner/internal/logging"
	"github.com/allowance-scanner/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a service error onto an HTTP response. Client
// errors keep their message; server errors are logged and masked.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	respondError(w, status, code, message, details)
}

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string, map[string]interface{}) {
	catErr := apperrors.Categorize(err)
	if catErr == nil {
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil
	}

	switch catErr.Category {
	case apperrors.CategoryUserInput, apperrors.CategoryValidation:
		return catErr.StatusCode, ErrCodeInvalidInput, catErr.Message, catErr.Details
	case apperrors.CategoryNotFound:
		return http.StatusNotFound, ErrCodeNotFound, catErr.Message, catErr.Details
	case apperrors.CategoryAuthorization:
		return http.StatusUnauthorized, ErrCodeUnauthorized, catErr.Message, nil
	case apperrors.CategoryRateLimit:
		return http.StatusTooManyRequests, ErrCodeRateLimited, catErr.Message, catErr.Details
	case apperrors.CategoryDatabase, apperrors.CategoryCache, apperrors.CategoryProvider:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "A dependency is unavailable", nil
	default:
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil
	}
}
