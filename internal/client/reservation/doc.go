// Package reservation talks to the lock and code authority of a repository.
//
// Locks give a briefcase the right to modify a resource; codes are unique
// names that one briefcase at a time may reserve and then use in a pushed
// revision. Every mutating request is a single changeset, so the remote
// applies it all-or-nothing: when any lock or code in the batch is denied
// nothing in the batch is acquired.
//
// Requests are grouped before they hit the wire. Locks form one MultiLock
// instance per (lockable type, level) pair, twelve buckets in total, and
// codes form one MultiCode instance per (code spec, scope) pair.
//
// Conflict errors are returned as *ConflictError when detailed errors were
// requested; it unwraps to the remote error so errors.Is still matches
// common.ErrLockOwnedByAnotherBriefcase and friends.
package reservation
