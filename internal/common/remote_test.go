package common

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRemoteError_MapsKnownIDs(t *testing.T) {
	err := NewRemoteError("iModelHub.LockOwnedByAnotherBriefcase", "held by 7", http.StatusConflict,
		map[string]any{"ConflictingLocks": []any{}})

	require.ErrorIs(t, err, ErrLockOwnedByAnotherBriefcase)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Contains(t, err.Error(), "held by 7")

	var re *RemoteError
	require.True(t, errors.As(error(err), &re))
	assert.Contains(t, re.Data, "ConflictingLocks")
}

func TestNewRemoteError_StatusFallback(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusInternalServerError, ErrInternalServer},
	}
	for _, tt := range tests {
		err := NewRemoteError("iModelHub.SomethingNew", "", tt.status, nil)
		assert.ErrorIs(t, err, tt.want)
	}

	err := NewRemoteError("", "", http.StatusBadRequest, nil)
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, "remote error: status 400", err.Error())
}

func TestErrorForID_WithoutPrefix(t *testing.T) {
	assert.Equal(t, ErrCodeDoesNotExist, ErrorForID("CodeDoesNotExist", 0))
}
