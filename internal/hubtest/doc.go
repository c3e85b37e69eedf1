// Package hubtest runs an in-process repository for tests.
//
// A Hub keeps the whole remote state in memory: the revision chain, the
// registered briefcases, the lock and code authority, event subscriptions
// and the blob files behind presigned access keys. It serves the object
// protocol over HTTP and over gRPC, so tests can drive the real transports,
// the reservation client, the sync engine and the event notifier against it.
//
// Failures can be injected per operation with FailNext. Tokens are checked
// on every request; RotateToken makes the current one stale to exercise the
// refresh paths of the clients.
package hubtest
