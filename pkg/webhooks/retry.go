package webhooks

import "time"

// RetryPolicy schedules delivery retries on a fixed backoff ladder. The
// attempt count indexes into the schedule; past the end the delivery is
// abandoned.
type RetryPolicy struct {
	schedule []time.Duration
}

// DefaultRetryPolicy spaces retries out over roughly half a day.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{schedule: []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		30 * time.Minute,
		2 * time.Hour,
		8 * time.Hour,
	}}
}

// NewRetryPolicy builds a policy from an explicit schedule.
func NewRetryPolicy(schedule []time.Duration) *RetryPolicy {
	if len(schedule) == 0 {
		return DefaultRetryPolicy()
	}
	return &RetryPolicy{schedule: schedule}
}

// MaxAttempts returns the total attempt budget, the first try included.
func (p *RetryPolicy) MaxAttempts() int {
	return len(p.schedule) + 1
}

// NextRetry returns when to retry after the given (1-based) failed attempt,
// or false when the budget is exhausted.
func (p *RetryPolicy) NextRetry(attempt int, now time.Time) (time.Time, bool) {
	if attempt < 1 || attempt > len(p.schedule) {
		return time.Time{}, false
	}
	return now.Add(p.schedule[attempt-1]), true
}
