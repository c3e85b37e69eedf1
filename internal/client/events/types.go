package events

import (
	"sort"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
)

// Type is the kind of a repository event.
type Type int

const (
	TypeUnknown Type = iota
	TypeRevisionPushed
	TypeRevisionPrePush
	TypeLock
	TypeCode
	TypeAllLocksDeleted
	TypeAllCodesDeleted
)

var typeNames = map[Type]string{
	TypeRevisionPushed:  "ChangeSetPostPushEvent",
	TypeRevisionPrePush: "ChangeSetPrePushEvent",
	TypeLock:            "LockEvent",
	TypeCode:            "CodeEvent",
	TypeAllLocksDeleted: "AllLocksDeletedEvent",
	TypeAllCodesDeleted: "AllCodesDeletedEvent",
}

// String returns the wire name of t.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "UnknownEvent"
}

// ParseType maps a wire name to a Type.
func ParseType(name string) Type {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeUnknown
}

// TypeSet is a sorted set of event types. The empty set selects every type.
type TypeSet []Type

// NewTypeSet sorts types, drops duplicates and unknown values.
func NewTypeSet(types ...Type) TypeSet {
	seen := make(map[Type]bool, len(types))
	var out TypeSet
	for _, t := range types {
		if t == TypeUnknown || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Matches reports whether events of type t pass the set.
func (s TypeSet) Matches(t Type) bool {
	if len(s) == 0 {
		return true
	}
	for _, x := range s {
		if x == t {
			return true
		}
	}
	return false
}

// Equal reports whether both sets hold the same types.
func (s TypeSet) Equal(o TypeSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Names returns the wire names of the set.
func (s TypeSet) Names() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.String()
	}
	return out
}

// Union merges sets. Any empty input makes the union empty.
func Union(sets ...TypeSet) TypeSet {
	var all []Type
	for _, s := range sets {
		if len(s) == 0 {
			return nil
		}
		all = append(all, s...)
	}
	return NewTypeSet(all...)
}

// Event is one notification from the repository.
type Event interface {
	EventType() Type
}

// RevisionEvent announces a pushed revision.
type RevisionEvent struct {
	RevisionID    string
	RevisionIndex int64
	BriefcaseID   models.BriefcaseID
}

// PrePushEvent announces that a briefcase is about to push.
type PrePushEvent struct {
	BriefcaseID models.BriefcaseID
}

// LockEvent reports a lock change on one or more objects.
type LockEvent struct {
	ObjectIDs   []string
	LockType    models.LockableType
	LockLevel   models.LockLevel
	BriefcaseID models.BriefcaseID

	// ReleasedWithRevision is the revision that released a lower level.
	ReleasedWithRevision string
}

// CodeEvent reports a state change of codes in one spec and scope.
type CodeEvent struct {
	CodeSpecID  string
	Scope       string
	Values      []string
	Reserved    bool
	Used        bool
	BriefcaseID models.BriefcaseID

	UsedWithRevision string
}

// State folds the reserved and used flags into a code state.
func (e CodeEvent) State() models.CodeState {
	switch {
	case e.Used:
		return models.CodeStateUsed
	case e.Reserved:
		return models.CodeStateReserved
	default:
		return models.CodeStateAvailable
	}
}

// Codes expands the event into one code per value.
func (e CodeEvent) Codes() []models.Code {
	out := make([]models.Code, len(e.Values))
	for i, v := range e.Values {
		out[i] = models.Code{SpecID: e.CodeSpecID, Scope: e.Scope, Value: v}
	}
	return out
}

// AllLocksDeletedEvent reports that a briefcase released every lock.
type AllLocksDeletedEvent struct {
	BriefcaseID models.BriefcaseID
}

// AllCodesDeletedEvent reports that a briefcase discarded its reserved codes.
type AllCodesDeletedEvent struct {
	BriefcaseID models.BriefcaseID
}

func (RevisionEvent) EventType() Type        { return TypeRevisionPushed }
func (PrePushEvent) EventType() Type         { return TypeRevisionPrePush }
func (LockEvent) EventType() Type            { return TypeLock }
func (CodeEvent) EventType() Type            { return TypeCode }
func (AllLocksDeletedEvent) EventType() Type { return TypeAllLocksDeleted }
func (AllCodesDeletedEvent) EventType() Type { return TypeAllCodesDeleted }
