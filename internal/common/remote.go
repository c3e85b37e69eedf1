package common

import (
	"fmt"
	"net/http"
	"strings"
)

// RemoteErrorPrefix is prepended by the server to every error identifier.
const RemoteErrorPrefix = "iModelHub."

// remoteIDs translates server error identifiers into the local taxonomy.
var remoteIDs = map[string]error{
	"LockOwnedByAnotherBriefcase":    ErrLockOwnedByAnotherBriefcase,
	"CodeReservedByAnotherBriefcase": ErrCodeReservedByAnotherBriefcase,
	"CodeAlreadyExists":              ErrCodeAlreadyExists,
	"CodeStateInvalid":               ErrCodeStateInvalid,
	"LockDoesNotExist":               ErrLockDoesNotExist,
	"CodeDoesNotExist":               ErrCodeDoesNotExist,
	"AnotherUserPushing":             ErrAnotherUserPushing,
	"PullIsRequired":                 ErrPullIsRequired,
	"DatabaseTemporarilyLocked":      ErrDatabaseTemporarilyLocked,
	"OperationFailed":                ErrOperationFailed,
	"ChangeSetDoesNotExist":          ErrChangeSetDoesNotExist,
	"InvalidChangeSet":               ErrInvalidChangeSet,
	"BriefcaseDoesNotExist":          ErrBriefcaseDoesNotExist,
	"InvalidBriefcase":               ErrInvalidBriefcase,
	"MissingRequiredProperties":      ErrMissingRequiredProperty,
	"FileIsNotUploaded":              ErrFileIsNotUploaded,
	"FileAlreadyExists":              ErrFileAlreadyExists,
	"RepositoryDoesNotExist":         ErrInvalidRepositoryName,
	"NoSubscriptionFound":            ErrNoSubscriptionFound,
	"NoSASFound":                     ErrNoSASFound,
	"InternalServerError":            ErrInternalServer,
}

// RemoteError is a failure reported by the remote repository.
type RemoteError struct {
	// ID is the server error identifier, e.g. "iModelHub.PullIsRequired".
	ID      string
	Message string
	// Status is the HTTP status code, or zero for non-HTTP transports.
	Status int
	// Data holds optional server supplied detail such as conflicting locks.
	Data map[string]any

	err error
}

// NewRemoteError builds a RemoteError and resolves its sentinel from the
// identifier, falling back to the status code when the identifier is unknown.
func NewRemoteError(id, message string, status int, data map[string]any) *RemoteError {
	return &RemoteError{
		ID:      id,
		Message: message,
		Status:  status,
		Data:    data,
		err:     ErrorForID(id, status),
	}
}

func (e *RemoteError) Error() string {
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("status %d", e.Status)
	}
	if e.Message == "" {
		return "remote error: " + id
	}
	return fmt.Sprintf("remote error: %s: %s", id, e.Message)
}

// Unwrap exposes the mapped sentinel so errors.Is works on RemoteError.
func (e *RemoteError) Unwrap() error {
	return e.err
}

// ErrorForID resolves a server error identifier into a sentinel error.
func ErrorForID(id string, status int) error {
	if err, ok := remoteIDs[strings.TrimPrefix(id, RemoteErrorPrefix)]; ok {
		return err
	}
	return ErrorForStatus(status)
}

// ErrorForStatus maps an HTTP status code without an error identifier.
func ErrorForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout || status == http.StatusTooManyRequests:
		return ErrUnavailable
	case status >= http.StatusInternalServerError:
		return ErrInternalServer
	default:
		return nil
	}
}
