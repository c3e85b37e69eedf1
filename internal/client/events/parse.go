package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
)

// Wire payloads. Indexes and enum values arrive either as JSON numbers or
// as numeric strings.
type (
	revisionPayload struct {
		ChangeSetID    string      `json:"ChangeSetId"`
		ChangeSetIndex json.Number `json:"ChangeSetIndex"`
		BriefcaseID    int         `json:"BriefcaseId"`
	}
	briefcasePayload struct {
		BriefcaseID int `json:"BriefcaseId"`
	}
	lockPayload struct {
		ObjectIDs             []string    `json:"ObjectIds"`
		LockType              json.Number `json:"LockType"`
		LockLevel             json.Number `json:"LockLevel"`
		BriefcaseID           int         `json:"BriefcaseId"`
		ReleasedWithChangeSet string      `json:"ReleasedWithChangeSet,omitempty"`
	}
	codePayload struct {
		CodeSpecID        string   `json:"CodeSpecId"`
		CodeScope         string   `json:"CodeScope"`
		Values            []string `json:"Values"`
		Reserved          bool     `json:"Reserved"`
		Used              bool     `json:"Used"`
		BriefcaseID       int      `json:"BriefcaseId"`
		UsedWithChangeSet string   `json:"UsedWithChangeSet,omitempty"`
	}
)

// Parse decodes an event. The type comes from contentType. Unknown types
// and malformed payloads return nil.
func Parse(contentType string, body []byte) Event {
	name, _, _ := strings.Cut(contentType, ";")
	switch ParseType(strings.TrimSpace(name)) {
	case TypeRevisionPushed:
		var p revisionPayload
		if json.Unmarshal(body, &p) != nil || p.ChangeSetID == "" {
			return nil
		}
		idx, err := p.ChangeSetIndex.Int64()
		if err != nil {
			return nil
		}
		return RevisionEvent{RevisionID: p.ChangeSetID, RevisionIndex: idx, BriefcaseID: models.BriefcaseID(p.BriefcaseID)}
	case TypeRevisionPrePush:
		var p briefcasePayload
		if json.Unmarshal(body, &p) != nil {
			return nil
		}
		return PrePushEvent{BriefcaseID: models.BriefcaseID(p.BriefcaseID)}
	case TypeLock:
		var p lockPayload
		if json.Unmarshal(body, &p) != nil || len(p.ObjectIDs) == 0 {
			return nil
		}
		typ, err1 := p.LockType.Int64()
		lvl, err2 := p.LockLevel.Int64()
		if err1 != nil || err2 != nil ||
			typ < 0 || typ >= models.LockableTypeCount || lvl < 0 || lvl >= models.LockLevelCount {
			return nil
		}
		return LockEvent{
			ObjectIDs:            p.ObjectIDs,
			LockType:             models.LockableType(typ),
			LockLevel:            models.LockLevel(lvl),
			BriefcaseID:          models.BriefcaseID(p.BriefcaseID),
			ReleasedWithRevision: p.ReleasedWithChangeSet,
		}
	case TypeCode:
		var p codePayload
		if json.Unmarshal(body, &p) != nil || p.CodeSpecID == "" || len(p.Values) == 0 {
			return nil
		}
		return CodeEvent{
			CodeSpecID:       p.CodeSpecID,
			Scope:            p.CodeScope,
			Values:           p.Values,
			Reserved:         p.Reserved,
			Used:             p.Used,
			BriefcaseID:      models.BriefcaseID(p.BriefcaseID),
			UsedWithRevision: p.UsedWithChangeSet,
		}
	case TypeAllLocksDeleted:
		var p briefcasePayload
		if json.Unmarshal(body, &p) != nil {
			return nil
		}
		return AllLocksDeletedEvent{BriefcaseID: models.BriefcaseID(p.BriefcaseID)}
	case TypeAllCodesDeleted:
		var p briefcasePayload
		if json.Unmarshal(body, &p) != nil {
			return nil
		}
		return AllCodesDeletedEvent{BriefcaseID: models.BriefcaseID(p.BriefcaseID)}
	default:
		return nil
	}
}

// Encode is the inverse of Parse.
func Encode(ev Event) (contentType string, body []byte, err error) {
	var p any
	switch e := ev.(type) {
	case RevisionEvent:
		p = revisionPayload{
			ChangeSetID:    e.RevisionID,
			ChangeSetIndex: json.Number(fmt.Sprint(e.RevisionIndex)),
			BriefcaseID:    int(e.BriefcaseID),
		}
	case PrePushEvent:
		p = briefcasePayload{BriefcaseID: int(e.BriefcaseID)}
	case LockEvent:
		p = lockPayload{
			ObjectIDs:             e.ObjectIDs,
			LockType:              json.Number(fmt.Sprint(int(e.LockType))),
			LockLevel:             json.Number(fmt.Sprint(int(e.LockLevel))),
			BriefcaseID:           int(e.BriefcaseID),
			ReleasedWithChangeSet: e.ReleasedWithRevision,
		}
	case CodeEvent:
		p = codePayload{
			CodeSpecID:        e.CodeSpecID,
			CodeScope:         e.Scope,
			Values:            e.Values,
			Reserved:          e.Reserved,
			Used:              e.Used,
			BriefcaseID:       int(e.BriefcaseID),
			UsedWithChangeSet: e.UsedWithRevision,
		}
	case AllLocksDeletedEvent:
		p = briefcasePayload{BriefcaseID: int(e.BriefcaseID)}
	case AllCodesDeletedEvent:
		p = briefcasePayload{BriefcaseID: int(e.BriefcaseID)}
	default:
		return "", nil, fmt.Errorf("encode event: unsupported %T", ev)
	}
	body, err = json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return ev.EventType().String(), body, nil
}
