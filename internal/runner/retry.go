// Retry classification, grounded on the teacher's internal/engine/retry.go
// IsRetryableError heuristics. Per DESIGN.md's Open Question decision, this
// repository does not carry forward the teacher's configurable backoff
// curve (none/linear/exponential/constant) since spec.md's Policy has only
// a flat retries count with no delay field: retries here are immediate.
package runner

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/yujihama/planrunner/pkg/planerr"
)

// isRetryableError classifies whether a failed node attempt should be
// retried, mirroring the teacher's layered heuristics: context errors first,
// then structured planerr.Error recoverability, then net.Error, then a
// string-pattern fallback, defaulting to retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perr *planerr.Error
	if errors.As(err, &perr) {
		return perr.Recoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range []string{"permanent", "invalid", "unauthorized", "forbidden", "not found", "malformed"} {
		if strings.Contains(msg, pat) {
			return false
		}
	}
	return true
}
