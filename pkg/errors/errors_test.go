package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeDependency, cause, "publish change event")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeDependency, err.Code())
	assert.Equal(t, "DEPENDENCY_ERROR: publish change event", err.Error())
}

func TestWrapNilCause(t *testing.T) {
	err := Wrap(CodeInternal, nil, "something broke")
	require.NotNil(t, err)
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, CodeInternal, err.Code())
}

func TestAsThroughChain(t *testing.T) {
	inner := New(CodeNotFound, "notification missing")
	outer := fmt.Errorf("mark read: %w", inner)

	typed := As(outer)
	require.NotNil(t, typed)
	assert.Equal(t, CodeNotFound, typed.Code())
	assert.Equal(t, "notification missing", typed.Message())

	assert.Nil(t, As(stdErrors.New("plain")))
	assert.Nil(t, As(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(stdErrors.New("plain")))
	assert.Equal(t, CodeValidation, CodeOf(New(CodeValidation, "bad input")))
	assert.Equal(t, CodeConflict, CodeOf(fmt.Errorf("outer: %w", New(CodeConflict, "dup"))))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(CodeDependency))
	assert.True(t, Retryable(CodeUnavailable))
	assert.True(t, Retryable(CodeInternal))
	assert.False(t, Retryable(CodeValidation))
	assert.False(t, Retryable(CodeNotFound))
	assert.False(t, Retryable(CodeConflict))
}

func TestWithDetails(t *testing.T) {
	err := New(CodeValidation, "bad field").WithDetails(map[string]string{"field": "title"})
	details, ok := err.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "title", details["field"])
}
