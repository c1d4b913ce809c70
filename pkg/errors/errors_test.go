package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesSentinelByType(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewCircuitOpenError("plantid"))

	assert.True(t, stderrors.Is(err, ErrCircuitOpen))
	assert.False(t, stderrors.Is(err, ErrTimeout))
	assert.Equal(t, ErrorTypeCircuitOpen, TypeOf(err))
	assert.True(t, IsType(err, ErrorTypeCircuitOpen))
	assert.Equal(t, ErrorType(""), TypeOf(stderrors.New("plain")))
}

func TestAllProvidersUnavailableError(t *testing.T) {
	err := NewAllProvidersUnavailableError([]ProviderFailure{
		{Provider: "plantid", Status: "circuit_open", Reason: "CIRCUIT_OPEN"},
		{Provider: "plantnet", Status: "timeout", Reason: "TIMEOUT"},
	})

	assert.True(t, stderrors.Is(err, ErrAllProvidersUnavailable))
	assert.Equal(t, ErrorTypeAllProvidersUnavailable, TypeOf(err))
	assert.Contains(t, err.Error(), "plantid=circuit_open(CIRCUIT_OPEN)")
	assert.Contains(t, err.Error(), "plantnet=timeout(TIMEOUT)")
}

func TestAppError_UnwrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewExternalError("provider call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "EXTERNAL: provider call failed: connection refused", err.Error())
}
