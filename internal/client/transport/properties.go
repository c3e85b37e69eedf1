package transport

// Property names of the remote classes.
const (
	PropID                = "Id"
	PropIndex             = "Index"
	PropParentID          = "ParentId"
	PropSeedFileID        = "SeedFileId"
	PropDescription       = "Description"
	PropFileSize          = "FileSize"
	PropBriefcaseID       = "BriefcaseId"
	PropIsUploaded        = "IsUploaded"
	PropContainingChanges = "ContainingChanges"
	PropPushDate          = "PushDate"
	PropUserCreated       = "UserCreated"

	PropFileID            = "FileId"
	PropFileName          = "FileName"
	PropMergedChangeSetID = "MergedChangeSetId"
	PropAcquiredDate      = "AcquiredDate"
	PropIsReadOnly        = "IsReadOnly"
	PropUserOwned         = "UserOwned"

	PropLockType                   = "LockType"
	PropLockLevel                  = "LockLevel"
	PropObjectID                   = "ObjectId"
	PropObjectIDs                  = "ObjectIds"
	PropReleasedWithChangeSet      = "ReleasedWithChangeSet"
	PropReleasedWithChangeSetIndex = "ReleasedWithChangeSetIndex"
	PropQueryOnly                  = "QueryOnly"

	PropCodeSpecID  = "CodeSpecId"
	PropCodeScope   = "CodeScope"
	PropValue       = "Value"
	PropValues      = "Values"
	PropState       = "State"
	PropChangeSetID = "ChangeSetId"

	PropValuePattern = "ValuePattern"
	PropType         = "Type"
	PropStartIndex   = "StartIndex"
	PropIncrementBy  = "IncrementBy"

	PropEventTypes  = "EventTypes"
	PropBaseAddress = "BaseAddress"
	PropSASToken    = "EventServiceSASToken"

	PropDownloadURL = "DownloadUrl"
	PropUploadURL   = "UploadUrl"
)

// PropInstanceID addresses the instance id in filters.
const PropInstanceID = "$id"

// PropFollowingChangeSet filters revisions that come after a given one.
const PropFollowingChangeSet = "FollowingChangeSet-backward.Id"

// Select values that ask for a blob access key with each result.
const (
	SelectDownloadKey = "*,FileAccessKey-forward-AccessKey.DownloadUrl"
	SelectUploadKey   = "*,FileAccessKey-forward-AccessKey.UploadUrl"
)

// Instance ids of the bulk release requests. The briefcase id is appended.
const (
	DeleteAllLocksID       = "DeleteAll"
	DiscardReservedCodesID = "DiscardReservedCodes"
)
