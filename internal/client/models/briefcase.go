// Package models defines the client-side data model of the briefcase sync
// engine: briefcases, revisions, locks and codes.
package models

import (
	"strconv"
	"time"
)

// BriefcaseID identifies one local copy of a shared database.
type BriefcaseID int

const (
	// InvalidBriefcaseID marks a briefcase that was never registered.
	InvalidBriefcaseID BriefcaseID = 0
	// StandaloneBriefcaseID marks a copy that does not take part in sync.
	StandaloneBriefcaseID BriefcaseID = 1
)

// IsValid reports whether id can be used against the remote repository.
func (id BriefcaseID) IsValid() bool {
	return id > StandaloneBriefcaseID
}

func (id BriefcaseID) String() string {
	return strconv.Itoa(int(id))
}

// Briefcase is the remote record of an acquired briefcase.
type Briefcase struct {
	ID BriefcaseID

	// FileID identifies the master file this briefcase is a copy of.
	FileID   string
	FileName string
	FileSize int64

	UserOwned string

	// MergedRevisionID is the revision the seed file was produced at.
	MergedRevisionID string
	AcquiredDate     time.Time
	IsReadOnly       bool

	// FileAccessKey is a short-lived download URL for the seed file.
	FileAccessKey string
}
