package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yujihama/planrunner/pkg/planerr"
)

func TestIsRetryableErrorNil(t *testing.T) {
	assert.False(t, isRetryableError(nil))
}

func TestIsRetryableErrorDeadlineExceeded(t *testing.T) {
	assert.True(t, isRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableErrorContextCanceled(t *testing.T) {
	assert.False(t, isRetryableError(context.Canceled))
}

func TestIsRetryableErrorStructuredRecoverable(t *testing.T) {
	err := planerr.New(planerr.CodeTimeout, "timed out")
	assert.True(t, isRetryableError(err))
}

func TestIsRetryableErrorStructuredNonRecoverable(t *testing.T) {
	err := planerr.New(planerr.CodeInputValidationFailed, "bad input")
	assert.False(t, isRetryableError(err))
}

func TestIsRetryableErrorPlainMessagePatterns(t *testing.T) {
	assert.False(t, isRetryableError(errors.New("permanent failure")))
	assert.False(t, isRetryableError(errors.New("unauthorized access")))
	assert.True(t, isRetryableError(errors.New("connection reset")))
}
