package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/allowance-scanner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize_WrappedSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"job not found", fmt.Errorf("get job 9: %w", ErrJobNotFound), "JOB_NOT_FOUND", http.StatusNotFound},
		{"duplicate", fmt.Errorf("enqueue: %w", ErrDuplicateActiveJob), "SCAN_IN_PROGRESS", http.StatusConflict},
		{"unknown type", fmt.Errorf("process: %w", ErrUnknownJobType), "UNKNOWN_JOB_TYPE", http.StatusUnprocessableEntity},
		{"chain timeout", fmt.Errorf("chain 1: %w", ErrChainTimeout), "CHAIN_SCAN_TIMEOUT", http.StatusGatewayTimeout},
		{"plain", stderrors.New("boom"), "INTERNAL_ERROR", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Categorize(tt.err)
			require.NotNil(t, c)
			assert.Equal(t, tt.code, c.Code)
			assert.Equal(t, tt.status, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestCategorize_KeepsCategorizedErrorThroughWrapping(t *testing.T) {
	orig := NewDuplicateJobError("0xabc", 12)
	wrapped := fmt.Errorf("enqueue failed: %w", orig)

	assert.Same(t, orig, Categorize(wrapped))
	assert.True(t, stderrors.Is(wrapped, ErrDuplicateActiveJob))
	assert.Equal(t, int64(12), orig.Details["jobId"])
}

func TestCategorize_ServiceError(t *testing.T) {
	c := Categorize(&types.ServiceError{Code: "INVALID_CHAIN", Message: "bad chain"})
	assert.Equal(t, CategoryUserInput, c.Category)
	assert.True(t, IsUserError(&types.ServiceError{Code: "INVALID_CHAIN"}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewChainTimeoutError(types.ChainBase, "60s")))
	assert.True(t, IsRetryable(NewDatabaseError("claim", stderrors.New("conn reset"))))
	assert.False(t, IsRetryable(NewUnknownJobTypeError("export_pdf")))
	assert.False(t, IsRetryable(NewInvalidAddressError("nope")))
	assert.False(t, IsRetryable(nil))
}
