package reservation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
)

// Keys of the detailed conflict data in a remote error.
const (
	ErrorDataLocks = "ConflictingLocks"
	ErrorDataCodes = "ConflictingCodes"
)

// ConflictError is a denied request enriched with what blocked it.
type ConflictError struct {
	Err   error
	Locks []models.LockState
	Codes []models.CodeInfo
}

func (e *ConflictError) Error() string {
	var parts []string
	for _, l := range e.Locks {
		owner := "shared"
		if l.ExclusiveOwner != models.InvalidBriefcaseID {
			owner = "briefcase " + l.ExclusiveOwner.String()
		}
		parts = append(parts, fmt.Sprintf("lock %s held by %s", l.ID, owner))
	}
	for _, c := range e.Codes {
		parts = append(parts, fmt.Sprintf("code %s %s by briefcase %s", c.Code, c.State, c.BriefcaseID))
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ConflictError) Unwrap() error { return e.Err }

// enrichConflict attaches conflicting locks and codes carried by a remote
// error. Errors without conflict data are returned unchanged.
func enrichConflict(err error) error {
	var re *common.RemoteError
	if !errors.As(err, &re) || common.KindOf(err) != common.KindConflict || len(re.Data) == 0 {
		return err
	}

	ce := &ConflictError{Err: err}
	var locks []models.Lock
	for _, props := range dataList(re.Data[ErrorDataLocks]) {
		l, perr := LockFromInstance(transport.Instance{Properties: props})
		if perr == nil {
			locks = append(locks, l)
		}
	}
	ce.Locks = lockStates(locks)
	for _, props := range dataList(re.Data[ErrorDataCodes]) {
		c, perr := CodeFromInstance(transport.Instance{Properties: props})
		if perr == nil {
			ce.Codes = append(ce.Codes, c)
		}
	}
	if len(ce.Locks) == 0 && len(ce.Codes) == 0 {
		return err
	}
	return ce
}

func dataList(v any) []map[string]any {
	switch l := v.(type) {
	case []map[string]any:
		return l
	case []any:
		out := make([]map[string]any, 0, len(l))
		for _, x := range l {
			if m, ok := x.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
