package intent

import (
	"fmt"
	"time"
)

// OutcomeClass buckets a dispatch result for the scheduler.
type OutcomeClass string

const (
	// OutcomeSuccess means the server acknowledged the mutation.
	OutcomeSuccess OutcomeClass = "success"

	// OutcomeRetryable covers timeouts, connection resets, 5xx, and
	// rate limiting. The mutation stays queued and backs off.
	OutcomeRetryable OutcomeClass = "retryable"

	// OutcomeTerminal covers validation rejections and other 4xx that
	// retrying cannot fix. The mutation is surfaced, never retried.
	OutcomeTerminal OutcomeClass = "terminal"

	// OutcomeAuthExpired means the credential must be refreshed, then the
	// same idempotency key replayed once. Not a connectivity failure: it
	// does not count against the backoff budget.
	OutcomeAuthExpired OutcomeClass = "auth_expired"

	// OutcomeCircuitOpen means the host's breaker refused the dispatch.
	// The breaker owns this failure; the mutation's attempt count is
	// not incremented.
	OutcomeCircuitOpen OutcomeClass = "circuit_open"
)

// Outcome is the classified result of one dispatch attempt.
type Outcome struct {
	Class OutcomeClass

	// Reason describes the failure for logging and last_error.
	Reason string

	// RetryAfter carries a server-specified delay (Retry-After), if any.
	// Only meaningful for OutcomeRetryable.
	RetryAfter time.Duration

	// Response holds the raw response body on success, handed to the
	// schema-tolerant decoder before any domain logic runs.
	Response []byte
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Class)
	}
	return fmt.Sprintf("%s: %s", o.Class, o.Reason)
}
