package pipeline

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy decides whether a failed generation attempt is retried and
// how long to wait before the next dispatch. One policy instance is shared
// by the ingestor (provider-reported failures) and the dispatcher
// (submission failures).
type RetryPolicy struct {
	// MaxAttempts bounds total attempts per scene per stage, first try
	// included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Decide reports whether a failure after retryCount completed attempts
// should be retried. Permanent provider errors fail fast regardless of the
// remaining attempt budget.
func (p RetryPolicy) Decide(retryCount int, errMsg string) bool {
	if retryCount+1 >= p.MaxAttempts {
		return false
	}
	return !isPermanentError(errMsg)
}

// Backoff returns the delay before dispatch attempt n (0-based; attempt 0
// is the first try and gets no delay). Exponential with up to 25% jitter so
// a burst of same-stage retries doesn't hit the provider in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// permanentErrorMarkers are substrings of provider error messages that
// indicate retrying cannot help: bad credentials, missing models, rejected
// inputs. Matching is case-insensitive.
var permanentErrorMarkers = []string{
	"unauthorized",
	"unauthenticated",
	"authentication",
	"forbidden",
	"invalid api key",
	"api key",
	"not found",
	"does not exist",
	"invalid input",
	"invalid_input",
	"unprocessable",
	"validation failed",
	"configuration",
}

func isPermanentError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// RetryAnnotation formats the transient-failure note stored on the scene
// while a retry is in flight, e.g. "Retry 2/3: model timed out".
func (p RetryPolicy) RetryAnnotation(retryCount int, errMsg string) string {
	return fmt.Sprintf("Retry %d/%d: %s", retryCount+1, p.MaxAttempts, errMsg)
}
