package quota

import (
	"errors"
	"fmt"
	"time"
)

// QuotaExceededError reports a plan limit that blocked a reservation.
type QuotaExceededError struct {
	Resource Kind
	Current  int
	Max      int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d of %d in use", e.Resource, e.Current, e.Max)
}

// IsQuotaExceeded checks if an error is a quota-exceeded error.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// ThrottledError reports a rate-limit rejection and when to try again.
type ThrottledError struct {
	Activity   string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Activity, e.RetryAfter)
}

// IsThrottled checks if an error is a throttled error.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}
