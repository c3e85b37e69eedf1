package models

import (
	"fmt"
	"strings"
)

// LockableType is the kind of resource a lock guards.
type LockableType int

const (
	LockableTypeDb LockableType = iota
	LockableTypeModel
	LockableTypeElement
	LockableTypeSchemas
)

// LockableTypeCount is the number of lockable types.
const LockableTypeCount = 4

var lockableTypeNames = [LockableTypeCount]string{"db", "model", "element", "schemas"}

func (t LockableType) String() string {
	if t < 0 || int(t) >= LockableTypeCount {
		return fmt.Sprintf("LockableType(%d)", int(t))
	}
	return lockableTypeNames[t]
}

// ParseLockableType accepts a type name or its number.
func ParseLockableType(s string) (LockableType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range lockableTypeNames {
		if s == n || s == fmt.Sprint(i) {
			return LockableType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lockable type %q", s)
}

// LockLevel is the strength of a lock.
type LockLevel int

const (
	LockLevelNone LockLevel = iota
	LockLevelShared
	LockLevelExclusive
)

// LockLevelCount is the number of lock levels.
const LockLevelCount = 3

var lockLevelNames = [LockLevelCount]string{"none", "shared", "exclusive"}

func (l LockLevel) String() string {
	if l < 0 || int(l) >= LockLevelCount {
		return fmt.Sprintf("LockLevel(%d)", int(l))
	}
	return lockLevelNames[l]
}

// ParseLockLevel accepts a level name or its number.
func ParseLockLevel(s string) (LockLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range lockLevelNames {
		if s == n || s == fmt.Sprint(i) {
			return LockLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown lock level %q", s)
}

// LockableID identifies a lockable resource.
type LockableID struct {
	Type     LockableType
	ObjectID string
}

func (id LockableID) String() string {
	return id.Type.String() + ":" + id.ObjectID
}

// Lock is a claim on a lockable resource.
type Lock struct {
	ID          LockableID
	Level       LockLevel
	BriefcaseID BriefcaseID

	// ReleasedWithRevisionID is the revision after which a lower level was
	// released. Other briefcases must merge it before taking the lock.
	ReleasedWithRevisionID    string
	ReleasedWithRevisionIndex int64
}

// LockState explains who holds a lockable resource.
type LockState struct {
	ID LockableID

	// ExclusiveOwner is InvalidBriefcaseID unless one briefcase holds the
	// resource exclusively.
	ExclusiveOwner BriefcaseID
	SharedOwners   []BriefcaseID

	ReleasedWithRevisionID string
}

// IsOwned reports whether any briefcase holds the resource.
func (s LockState) IsOwned() bool {
	return s.ExclusiveOwner != InvalidBriefcaseID || len(s.SharedOwners) > 0
}

// Level returns the strongest level held by anyone.
func (s LockState) Level() LockLevel {
	switch {
	case s.ExclusiveOwner != InvalidBriefcaseID:
		return LockLevelExclusive
	case len(s.SharedOwners) > 0:
		return LockLevelShared
	default:
		return LockLevelNone
	}
}

// Conflicts reports whether bc may not take the resource at level.
func (s LockState) Conflicts(bc BriefcaseID, level LockLevel) bool {
	if level == LockLevelNone {
		return false
	}
	if s.ExclusiveOwner != InvalidBriefcaseID && s.ExclusiveOwner != bc {
		return true
	}
	if level == LockLevelExclusive {
		for _, o := range s.SharedOwners {
			if o != bc {
				return true
			}
		}
	}
	return false
}
