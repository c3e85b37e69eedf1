package models

import (
	"sort"
	"time"
)

// Revision is an ordered, immutable changeset pushed by one briefcase.
type Revision struct {
	ID       string
	ParentID string

	// Index grows monotonically along the revision chain.
	Index int64

	MasterFileID          string
	BriefcaseID           BriefcaseID
	Description           string
	FileSize              int64
	ContainsSchemaChanges bool
	PushDate              time.Time
	UserCreated           string

	// FileAccessKey is a short-lived blob URL; it is never persisted.
	FileAccessKey string

	// ChangesFile is the local path of the revision payload, set after
	// staging or download.
	ChangesFile string

	// UsedLocks, AssignedCodes and DiscardedCodes are filled by the local
	// store when a revision is staged and consumed by push initialization.
	UsedLocks      []Lock
	AssignedCodes  []Code
	DiscardedCodes []Code
}

// SortRevisions orders revisions by ascending index.
func SortRevisions(revs []*Revision) {
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].Index < revs[j].Index })
}
