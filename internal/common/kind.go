package common

import (
	"context"
	"errors"
)

// Kind groups errors by how callers must react to them.
type Kind int

const (
	// KindFatal covers unexpected failures and anything not otherwise classified.
	KindFatal Kind = iota
	// KindPrecondition failures are surfaced immediately and never retried.
	KindPrecondition
	// KindContention failures are retried by the pull-merge-push loop.
	KindContention
	// KindConflict failures mean the remote authority denied a lock or code.
	KindConflict
	// KindNotFoundOnRetry failures trigger lock/code re-acquisition during
	// revision initialization.
	KindNotFoundOnRetry
	// KindCancelled means the caller's context ended.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindContention:
		return "contention"
	case KindConflict:
		return "conflict"
	case KindNotFoundOnRetry:
		return "not_found_on_retry"
	case KindCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

var kindTable = []struct {
	kind Kind
	errs []error
}{
	{KindPrecondition, []error{
		ErrFileNotFound, ErrBriefcaseIsReadOnly, ErrTrackingNotEnabled,
		ErrInvalidRepositoryConnection, ErrCredentialsNotSet, ErrInvalidServerURL,
		ErrInvalidRepositoryName, ErrFileAlreadyExists, ErrInvalidBriefcase,
		ErrInvalidChangeSet, ErrEventCallbackNotSpecified, ErrNotSubscribedToEvents,
	}},
	{KindContention, []error{
		ErrAnotherUserPushing, ErrPullIsRequired, ErrDatabaseTemporarilyLocked, ErrOperationFailed,
	}},
	{KindConflict, []error{
		ErrLockOwnedByAnotherBriefcase, ErrCodeReservedByAnotherBriefcase,
		ErrCodeAlreadyExists, ErrCodeStateInvalid,
	}},
	{KindNotFoundOnRetry, []error{
		ErrLockDoesNotExist, ErrCodeDoesNotExist,
	}},
}

// KindOf classifies err. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) Kind {
	if err == nil || errors.Is(err, ErrRevisionNotCommitted) {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	for _, row := range kindTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.kind
			}
		}
	}
	return KindFatal
}

// IsRetryable reports whether the pull-merge-push loop may retry after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindContention
}

// IsTransient reports whether a single transport call may be repeated after
// err. Only pure network failures qualify; contention is left to the caller.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}
