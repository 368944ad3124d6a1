package security

import "time"

// Clock returns the current time. Stores take one so tests can control expiry.
type Clock func() time.Time

// SystemClock is the wall clock
func SystemClock() time.Time {
	return time.Now()
}

// IsExpired reports whether expiresAt lies before now. A zero expiresAt
// never expires. Stores set and check deadlines with the same clock, so no
// grace is applied.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt)
}

// EarliestDeadline returns the earlier of two deadlines, treating zero as
// "no deadline".
func EarliestDeadline(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	default:
		return b
	}
}
