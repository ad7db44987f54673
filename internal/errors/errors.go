// Package errors defines the categorized errors shared by the queue, storage and API layers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/allowance-scanner/internal/types"
)

// Sentinel errors. Wrap with %w; match with errors.Is.
var (
	// ErrJobNotFound is returned when a job id does not exist
	ErrJobNotFound = stderrors.New("job not found")
	// ErrDuplicateActiveJob is returned when a wallet already has a pending or running scan
	ErrDuplicateActiveJob = stderrors.New("an active job already exists for this wallet")
	// ErrUnknownJobType is returned when a claimed job carries a type no handler recognizes
	ErrUnknownJobType = stderrors.New("unknown job type")
	// ErrChainTimeout is returned when a per-chain scan exceeds its time budget
	ErrChainTimeout = stderrors.New("chain scan timed out")
	// ErrMonitorNotFound is returned when a wallet has no monitor row
	ErrMonitorNotFound = stderrors.New("wallet monitor not found")
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents upstream RPC provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryJob represents job payload/type errors that retries cannot fix
	CategoryJob ErrorCategory = "job"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewJobNotFoundError creates a not found error for a job id
func NewJobNotFoundError(jobID int64) *CategorizedError {
	e := NewNotFoundError("job", fmt.Sprintf("%d", jobID))
	e.Code = "JOB_NOT_FOUND"
	e.Cause = ErrJobNotFound
	return e
}

// NewDuplicateJobError creates the benign "scan already in progress" conflict
func NewDuplicateJobError(wallet string, activeJobID int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "SCAN_IN_PROGRESS",
		Message:    fmt.Sprintf("scan already in progress for %s", wallet),
		Cause:      ErrDuplicateActiveJob,
		Details: map[string]interface{}{
			"wallet": wallet,
			"jobId":  activeJobID,
		},
	}
}

// NewUnknownJobTypeError creates an error for a job type with no handler
func NewUnknownJobTypeError(jobType types.JobType) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryJob,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "UNKNOWN_JOB_TYPE",
		Message:    fmt.Sprintf("unknown job type: %s", jobType),
		Cause:      ErrUnknownJobType,
		Details: map[string]interface{}{
			"type": jobType,
		},
	}
}

// NewChainTimeoutError creates a provider timeout error for one chain scan
func NewChainTimeoutError(chain types.ChainID, budget string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "CHAIN_SCAN_TIMEOUT",
		Message:    fmt.Sprintf("scan of chain %s exceeded %s", chain, budget),
		Cause:      ErrChainTimeout,
		Details: map[string]interface{}{
			"chain":  chain,
			"budget": budget,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError creates an upstream RPC provider error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("data provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	switch {
	case stderrors.Is(err, ErrJobNotFound):
		return &CategorizedError{Category: CategoryNotFound, StatusCode: http.StatusNotFound, Code: "JOB_NOT_FOUND", Message: err.Error(), Cause: err}
	case stderrors.Is(err, ErrMonitorNotFound):
		return &CategorizedError{Category: CategoryNotFound, StatusCode: http.StatusNotFound, Code: "MONITOR_NOT_FOUND", Message: err.Error(), Cause: err}
	case stderrors.Is(err, ErrDuplicateActiveJob):
		return &CategorizedError{Category: CategoryConflict, StatusCode: http.StatusConflict, Code: "SCAN_IN_PROGRESS", Message: err.Error(), Cause: err}
	case stderrors.Is(err, ErrUnknownJobType):
		return &CategorizedError{Category: CategoryJob, StatusCode: http.StatusUnprocessableEntity, Code: "UNKNOWN_JOB_TYPE", Message: err.Error(), Cause: err}
	case stderrors.Is(err, ErrChainTimeout):
		return &CategorizedError{Category: CategoryProvider, StatusCode: http.StatusGatewayTimeout, Code: "CHAIN_SCAN_TIMEOUT", Message: err.Error(), Cause: err}
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	c := &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}

	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_ADDRESS_FORMAT", "INVALID_CHAIN":
		c.Category, c.StatusCode = CategoryUserInput, http.StatusBadRequest
	case "JOB_NOT_FOUND", "MONITOR_NOT_FOUND":
		c.Category, c.StatusCode = CategoryNotFound, http.StatusNotFound
	case "UNAUTHORIZED":
		c.Category, c.StatusCode = CategoryAuthorization, http.StatusUnauthorized
	}
	return c
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying immediately
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
