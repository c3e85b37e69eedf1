// Package retry holds the two retry layers used by the sync client.
//
// Transient repeats a single remote call after a pure network failure
// (common.ErrUnavailable) with capped, jittered exponential backoff.
//
// Policy drives the optimistic-concurrency loop around pull, merge and push.
// An attempt that fails with a contention error (another user pushing, pull
// required, database temporarily locked, generic server failure) is retried
// until MaxAttempts is reached. The first retry waits a uniformly random
// delay inside [FirstRetryMin, FirstRetryMax] so that competing clients
// de-correlate; later retries wait BaseDelay multiplied by the number of the
// failed attempt, capped at MaxDelay. Any other error ends the loop at once.
//
// Both layers are expressed as github.com/sethvargo/go-retry backoffs.
package retry
