package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorShapes(t *testing.T) {
	cases := []struct {
		name      string
		err       *AppError
		wantType  ErrorType
		wantCode  string
		retryable bool
	}{
		{"validation", NewValidationError("MISSING_FIELD", "field is required"), ErrorTypeValidation, "MISSING_FIELD", false},
		{"conflict", NewConflictError("DUPLICATE_ENTRY", "entry already exists"), ErrorTypeConflict, "DUPLICATE_ENTRY", false},
		{"crypto", NewCryptoError("DECRYPTION_FAILED", "authentication failed"), ErrorTypeCrypto, "DECRYPTION_FAILED", false},
		{"not found", NewNotFoundError("audit entry"), ErrorTypeNotFound, "RESOURCE_NOT_FOUND", false},
		{"internal", NewInternalError("boom"), ErrorTypeInternal, "INTERNAL_ERROR", true},
		{"unavailable", NewUnavailableError("kms", "throttled"), ErrorTypeUnavailable, "SERVICE_UNAVAILABLE", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantType, tc.err.Type)
			assert.Equal(t, tc.wantCode, tc.err.Code)
			assert.Equal(t, tc.retryable, tc.err.Retryable)
			assert.True(t, IsType(tc.err, tc.wantType))
		})
	}
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := NewConflictError("ACTIVE_KEY_EXISTS", "organization already has an active key").WithCause(cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "underlying")
}
