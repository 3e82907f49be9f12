package consumer

import "time"

// DefaultRetryDelays is how long a failed message waits before redelivery.
// Entry n applies after the nth failed attempt; later failures reuse the last.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

// retryStep maps a failed attempt to its 1-based delay queue.
func retryStep(attempt, steps int) int {
	if attempt < 1 {
		return 1
	}
	if attempt > steps {
		return steps
	}
	return attempt
}
