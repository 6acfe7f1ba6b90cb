package planerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultRecoverability(t *testing.T) {
	err := New(CodeUnresolvedReference, "oops")
	assert.True(t, err.Recoverable)

	err = New(CodeCycleDetected, "cycle")
	assert.False(t, err.Recoverable)
}

func TestErrorMessage(t *testing.T) {
	err := New(CodeTimeout, "took too long")
	assert.Equal(t, "TIMEOUT: took too long", err.Error())

	err = err.WithNode("n1")
	assert.Equal(t, "TIMEOUT: node n1: took too long", err.Error())
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	err := New(CodeBlockInternal, "wrapped").WithCause(cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestWithDetailsMerges(t *testing.T) {
	base := New(CodeInputValidationFailed, "bad input").WithDetails(map[string]any{"a": 1})
	merged := base.WithDetails(map[string]any{"b": 2})

	require.Len(t, merged.Details, 2)
	assert.Equal(t, 1, merged.Details["a"])
	assert.Equal(t, 2, merged.Details["b"])
	// original is untouched
	assert.Len(t, base.Details, 1)
}

func TestWithNodeDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeTimeout, "x")
	annotated := base.WithNode("n1")
	assert.Empty(t, base.NodeID)
	assert.Equal(t, "n1", annotated.NodeID)
}

func TestAs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(CodeSubflowNotFound, "missing"))
	assert.True(t, As(err, CodeSubflowNotFound))
	assert.False(t, As(err, CodeTimeout))
	assert.False(t, As(errors.New("plain"), CodeTimeout))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, New(CodeTimeout, "x").IsRetryable())
	assert.False(t, New(CodeCycleDetected, "x").IsRetryable())
}
