// Copyright 2021 PingCAP, Inc. Licensed under Apache-2.0.

package restore

import "time"

// Retry policy for visibility failures on data jobs: bounded attempts with
// exponential backoff, and a connection reset every few attempts to drop
// any stale metadata view the session may hold.
const (
	retryMaxAttempts    = 10
	retryBaseBackoff    = 500 * time.Millisecond
	retryMaxBackoff     = 5 * time.Second
	retryReconnectEvery = 3

	schemaRetryMaxAttempts = 3
)

// backoffDuration returns the sleep before the given 1-based attempt.
func backoffDuration(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
