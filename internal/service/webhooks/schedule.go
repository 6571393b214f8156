package webhooks

import "time"

// DefaultSchedule is the delay before the 2nd, 3rd, 4th and 5th attempt.
var DefaultSchedule = Schedule{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}

// DefaultMaxAttempts caps attempts per delivery.
const DefaultMaxAttempts = 5

// Schedule lists retry delays. Entry i is the wait after attempt i+1
// failed; attempts past the end reuse the last entry.
type Schedule []time.Duration

// Delay returns the wait after the given number of failed attempts.
func (s Schedule) Delay(attempts int) time.Duration {
	if len(s) == 0 {
		return DefaultSchedule.Delay(attempts)
	}
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(s) {
		return s[len(s)-1]
	}
	return s[attempts-1]
}
