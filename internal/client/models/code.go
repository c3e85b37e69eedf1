package models

import "fmt"

// Code is a globally unique identifier value inside a code spec and scope.
type Code struct {
	SpecID string
	Scope  string
	Value  string
}

func (c Code) String() string {
	return fmt.Sprintf("%s/%s/%s", c.SpecID, c.Scope, c.Value)
}

// CodeState is the lifecycle state of a code. The numbering matches the
// remote wire values.
type CodeState int

const (
	CodeStateAvailable CodeState = iota
	CodeStateReserved
	CodeStateUsed
	CodeStateDiscarded
)

func (s CodeState) String() string {
	switch s {
	case CodeStateAvailable:
		return "available"
	case CodeStateReserved:
		return "reserved"
	case CodeStateUsed:
		return "used"
	case CodeStateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("CodeState(%d)", int(s))
	}
}

// IsPermanent reports whether the state can no longer change.
func (s CodeState) IsPermanent() bool {
	return s == CodeStateUsed || s == CodeStateDiscarded
}

// CodeInfo is the remote view of one code.
type CodeInfo struct {
	Code
	State       CodeState
	BriefcaseID BriefcaseID

	// RevisionID is the revision that used or discarded the code.
	RevisionID string
}

// CodeSequenceType selects what a code sequence query returns.
type CodeSequenceType int

const (
	CodeSequenceMaximum CodeSequenceType = iota
	CodeSequenceNextAvailable
)
