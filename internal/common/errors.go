// Package common defines the error taxonomy and constants shared by the
// briefsync client layers. Callers should use errors.Is to match the sentinel
// values and KindOf to decide how a failure must be handled.
package common

import "errors"

var (
	// Precondition errors. Never retried.
	ErrFileNotFound                = errors.New("briefcase file is not open")
	ErrBriefcaseIsReadOnly         = errors.New("briefcase is read-only")
	ErrTrackingNotEnabled          = errors.New("change tracking is not enabled")
	ErrInvalidRepositoryConnection = errors.New("invalid repository connection")
	ErrCredentialsNotSet           = errors.New("credentials not set")
	ErrInvalidServerURL            = errors.New("invalid server url")
	ErrInvalidRepositoryName       = errors.New("invalid repository name")
	ErrFileAlreadyExists           = errors.New("file already exists")
	ErrInvalidBriefcase            = errors.New("invalid briefcase id")
	ErrInvalidChangeSet            = errors.New("invalid revision id")
	ErrEventCallbackNotSpecified   = errors.New("event callback not specified")
	ErrNotSubscribedToEvents       = errors.New("not subscribed to event service")

	// Contention and transient errors. Retried by the pull-merge-push loop.
	ErrAnotherUserPushing        = errors.New("another user is pushing")
	ErrPullIsRequired            = errors.New("pull is required")
	ErrDatabaseTemporarilyLocked = errors.New("database temporarily locked")
	ErrOperationFailed           = errors.New("server operation failed")

	// Pure network failure. Retried at the transport level only.
	ErrUnavailable = errors.New("server unavailable")

	// Conflict and denial errors.
	ErrLockOwnedByAnotherBriefcase    = errors.New("lock owned by another briefcase")
	ErrCodeReservedByAnotherBriefcase = errors.New("code reserved by another briefcase")
	ErrCodeAlreadyExists              = errors.New("code already exists")
	ErrCodeStateInvalid               = errors.New("code state invalid")

	// Not found during revision initialization. Triggers re-acquisition.
	ErrLockDoesNotExist = errors.New("lock does not exist")
	ErrCodeDoesNotExist = errors.New("code does not exist")

	// Fatal errors.
	ErrInternalServer          = errors.New("internal server error")
	ErrMalformedResponse       = errors.New("malformed response")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrChangeSetDoesNotExist   = errors.New("revision does not exist")
	ErrBriefcaseDoesNotExist   = errors.New("briefcase does not exist")
	ErrMissingRequiredProperty = errors.New("missing required properties")
	ErrFileIsNotUploaded       = errors.New("file is not uploaded")
	ErrRevisionParentMismatch  = errors.New("revision parent does not match briefcase")
	ErrRevisionCorrupted       = errors.New("revision file digest mismatch")
	ErrNoSubscriptionFound     = errors.New("no event subscription found")
	ErrNoSASFound              = errors.New("no event access token found")

	// ErrRevisionNotCommitted is returned when the hub accepted a revision
	// but the briefcase could not record it. The revision stays staged
	// until the next pull or push reconciles it with the hub.
	ErrRevisionNotCommitted = errors.New("revision pushed but not committed locally")

	// ErrNoEventsFound is returned by a poll that produced nothing. It is
	// a normal outcome of long polling rather than a failure.
	ErrNoEventsFound = errors.New("no events found")
)
