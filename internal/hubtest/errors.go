package hubtest

import (
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"google.golang.org/grpc/codes"
)

// Error identifiers answered by the hub. They are sent with
// common.RemoteErrorPrefix.
const (
	ErrIDPullIsRequired         = "PullIsRequired"
	ErrIDAnotherUserPushing     = "AnotherUserPushing"
	ErrIDOperationFailed        = "OperationFailed"
	ErrIDDatabaseLocked         = "DatabaseTemporarilyLocked"
	ErrIDLockOwned              = "LockOwnedByAnotherBriefcase"
	ErrIDCodeReserved           = "CodeReservedByAnotherBriefcase"
	ErrIDCodeExists             = "CodeAlreadyExists"
	ErrIDCodeStateInvalid       = "CodeStateInvalid"
	ErrIDLockDoesNotExist       = "LockDoesNotExist"
	ErrIDCodeDoesNotExist       = "CodeDoesNotExist"
	ErrIDChangeSetDoesNotExist  = "ChangeSetDoesNotExist"
	ErrIDChangeSetExists        = "ChangeSetAlreadyExists"
	ErrIDInvalidChangeSet       = "InvalidChangeSet"
	ErrIDBriefcaseDoesNotExist  = "BriefcaseDoesNotExist"
	ErrIDInvalidBriefcase       = "InvalidBriefcase"
	ErrIDMissingProperties      = "MissingRequiredProperties"
	ErrIDFileIsNotUploaded      = "FileIsNotUploaded"
	ErrIDRepositoryDoesNotExist = "RepositoryDoesNotExist"
	ErrIDNoSubscriptionFound    = "NoSubscriptionFound"
	ErrIDInternalServerError    = "InternalServerError"
	ErrIDClassNotSupported      = "NotSupported"
	ErrIDInstanceNotFound       = "InstanceNotFound"
)

// hubError is a failure answered to the client.
type hubError struct {
	id     string
	msg    string
	status int
	data   map[string]any
}

func (e *hubError) Error() string {
	return common.RemoteErrorPrefix + e.id + ": " + e.msg
}

func newError(id string, status int, format string, args ...any) *hubError {
	return &hubError{id: id, msg: fmt.Sprintf(format, args...), status: status}
}

func conflict(id, format string, args ...any) *hubError {
	return newError(id, http.StatusConflict, format, args...)
}

func notFound(id, format string, args ...any) *hubError {
	return newError(id, http.StatusNotFound, format, args...)
}

func badRequest(id, format string, args ...any) *hubError {
	return newError(id, http.StatusBadRequest, format, args...)
}

// grpcCode picks the status code sent next to the error trailers.
func (e *hubError) grpcCode() codes.Code {
	switch e.status {
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
