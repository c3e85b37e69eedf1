package reservation

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
)

// lockBuckets is the number of (type, level) pairs.
const lockBuckets = models.LockableTypeCount * models.LockLevelCount

func bucketOf(l models.Lock) int {
	return int(l.ID.Type)*models.LockLevelCount + int(l.Level)
}

// LockObjectID returns the remote id of a lock. A zero briefcase id gives
// the id shared by all owners of the resource.
func LockObjectID(id models.LockableID, bc models.BriefcaseID) string {
	s := fmt.Sprintf("%d-%s", int(id.Type), id.ObjectID)
	if bc != models.InvalidBriefcaseID {
		s += "-" + strconv.Itoa(int(bc))
	}
	return s
}

// CodeObjectID returns the remote id of a code.
func CodeObjectID(c models.Code, bc models.BriefcaseID) string {
	s := fmt.Sprintf("%s-%s-%s", c.SpecID, encodeIDPart(c.Scope), encodeIDPart(c.Value))
	if bc != models.InvalidBriefcaseID {
		s += "-" + strconv.Itoa(int(bc))
	}
	return s
}

// encodeIDPart makes scope and value safe to embed in a dash separated,
// URL-borne id.
func encodeIDPart(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "-", "_2D_")
	s = url.QueryEscape(s)
	s = strings.ReplaceAll(s, "+", "%20")
	for _, c := range ",!'()" {
		s = strings.ReplaceAll(s, url.QueryEscape(string(c)), string(c))
	}
	s = strings.ReplaceAll(s, "~", "~7E")
	s = strings.ReplaceAll(s, "*", "~2A")
	return strings.ReplaceAll(s, "%", "~")
}

// lockRequest describes how a batch of locks is sent.
type lockRequest struct {
	briefcase     models.BriefcaseID
	masterFileID  string
	releasedWith  string
	queryOnly     bool
	exclusiveOnly bool
	// release sends every lock at level None.
	release       bool
}

// lockInstances groups locks into one MultiLock instance per bucket.
// Buckets are emitted in (type, level) order.
func lockInstances(locks []models.Lock, req lockRequest) []transport.Instance {
	var buckets [lockBuckets][]string
	for _, l := range locks {
		if req.exclusiveOnly && l.Level != models.LockLevelExclusive {
			continue
		}
		if req.release {
			l.Level = models.LockLevelNone
		}
		b := bucketOf(l)
		if b < 0 || b >= lockBuckets {
			continue
		}
		buckets[b] = append(buckets[b], l.ID.ObjectID)
	}

	var out []transport.Instance
	for i, ids := range buckets {
		if len(ids) == 0 {
			continue
		}
		out = append(out, transport.NewInstance(transport.ClassMultiLock, transport.ClassMultiLock, map[string]any{
			transport.PropBriefcaseID:           int(req.briefcase),
			transport.PropSeedFileID:            req.masterFileID,
			transport.PropReleasedWithChangeSet: req.releasedWith,
			transport.PropQueryOnly:             req.queryOnly,
			transport.PropLockType:              i / models.LockLevelCount,
			transport.PropLockLevel:             i % models.LockLevelCount,
			transport.PropObjectIDs:             ids,
		}))
	}
	return out
}

type codeGroup struct {
	spec, scope string
	values      []string
}

type codeRequest struct {
	state      models.CodeState
	briefcase  models.BriefcaseID
	revisionID string
	queryOnly  bool
}

// codeInstances groups codes into one MultiCode instance per spec and
// scope. Groups are emitted in key order.
func codeInstances(codes []models.Code, req codeRequest) []transport.Instance {
	groups := map[string]*codeGroup{}
	var keys []string
	for _, c := range codes {
		key := CodeObjectID(models.Code{SpecID: c.SpecID, Scope: c.Scope}, models.InvalidBriefcaseID)
		g, ok := groups[key]
		if !ok {
			g = &codeGroup{spec: c.SpecID, scope: c.Scope}
			groups[key] = g
			keys = append(keys, key)
		}
		g.values = append(g.values, c.Value)
	}
	sort.Strings(keys)

	out := make([]transport.Instance, 0, len(keys))
	for _, k := range keys {
		g := groups[k]
		out = append(out, transport.NewInstance(transport.ClassMultiCode, transport.ClassMultiCode, map[string]any{
			transport.PropCodeSpecID:  g.spec,
			transport.PropCodeScope:   g.scope,
			transport.PropBriefcaseID: int(req.briefcase),
			transport.PropState:       int(req.state),
			transport.PropChangeSetID: req.revisionID,
			transport.PropQueryOnly:   req.queryOnly,
			transport.PropValues:      g.values,
		}))
	}
	return out
}

// LockFromInstance reads a Lock instance.
func LockFromInstance(i transport.Instance) (models.Lock, error) {
	t := i.Int(transport.PropLockType)
	lvl := i.Int(transport.PropLockLevel)
	if t < 0 || t >= models.LockableTypeCount || lvl < 0 || lvl >= models.LockLevelCount {
		return models.Lock{}, fmt.Errorf("lock %q: type %d level %d out of range", i.ID, t, lvl)
	}
	return models.Lock{
		ID:                        models.LockableID{Type: models.LockableType(t), ObjectID: i.Str(transport.PropObjectID)},
		Level:                     models.LockLevel(lvl),
		BriefcaseID:               models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
		ReleasedWithRevisionID:    i.Str(transport.PropReleasedWithChangeSet),
		ReleasedWithRevisionIndex: i.Int(transport.PropReleasedWithChangeSetIndex),
	}, nil
}

// LocksFromMultiInstance expands a MultiLock instance.
func LocksFromMultiInstance(i transport.Instance) ([]models.Lock, error) {
	t := i.Int(transport.PropLockType)
	lvl := i.Int(transport.PropLockLevel)
	if t < 0 || t >= models.LockableTypeCount || lvl < 0 || lvl >= models.LockLevelCount {
		return nil, fmt.Errorf("multilock: type %d level %d out of range", t, lvl)
	}
	ids := i.Strs(transport.PropObjectIDs)
	out := make([]models.Lock, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Lock{
			ID:                     models.LockableID{Type: models.LockableType(t), ObjectID: id},
			Level:                  models.LockLevel(lvl),
			BriefcaseID:            models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
			ReleasedWithRevisionID: i.Str(transport.PropReleasedWithChangeSet),
		})
	}
	return out, nil
}

// LockInstance is the inverse of LockFromInstance.
func LockInstance(l models.Lock) transport.Instance {
	return transport.NewInstance(transport.ClassLock, LockObjectID(l.ID, l.BriefcaseID), map[string]any{
		transport.PropLockType:                   int(l.ID.Type),
		transport.PropLockLevel:                  int(l.Level),
		transport.PropObjectID:                   l.ID.ObjectID,
		transport.PropBriefcaseID:                int(l.BriefcaseID),
		transport.PropReleasedWithChangeSet:      l.ReleasedWithRevisionID,
		transport.PropReleasedWithChangeSetIndex: l.ReleasedWithRevisionIndex,
	})
}

// CodeFromInstance reads a Code instance.
func CodeFromInstance(i transport.Instance) (models.CodeInfo, error) {
	st := i.Int(transport.PropState)
	if st < int64(models.CodeStateAvailable) || st > int64(models.CodeStateDiscarded) {
		return models.CodeInfo{}, fmt.Errorf("code %q: state %d out of range", i.ID, st)
	}
	return models.CodeInfo{
		Code: models.Code{
			SpecID: i.Str(transport.PropCodeSpecID),
			Scope:  i.Str(transport.PropCodeScope),
			Value:  i.Str(transport.PropValue),
		},
		State:       models.CodeState(st),
		BriefcaseID: models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
		RevisionID:  i.Str(transport.PropChangeSetID),
	}, nil
}

// CodesFromMultiInstance expands a MultiCode instance.
func CodesFromMultiInstance(i transport.Instance) ([]models.CodeInfo, error) {
	st := i.Int(transport.PropState)
	if st < int64(models.CodeStateAvailable) || st > int64(models.CodeStateDiscarded) {
		return nil, fmt.Errorf("multicode: state %d out of range", st)
	}
	values := i.Strs(transport.PropValues)
	out := make([]models.CodeInfo, 0, len(values))
	for _, v := range values {
		out = append(out, models.CodeInfo{
			Code: models.Code{
				SpecID: i.Str(transport.PropCodeSpecID),
				Scope:  i.Str(transport.PropCodeScope),
				Value:  v,
			},
			State:       models.CodeState(st),
			BriefcaseID: models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
			RevisionID:  i.Str(transport.PropChangeSetID),
		})
	}
	return out, nil
}

// CodeInstance is the inverse of CodeFromInstance.
func CodeInstance(c models.CodeInfo) transport.Instance {
	return transport.NewInstance(transport.ClassCode, CodeObjectID(c.Code, c.BriefcaseID), map[string]any{
		transport.PropCodeSpecID:  c.SpecID,
		transport.PropCodeScope:   c.Scope,
		transport.PropValue:       c.Value,
		transport.PropState:       int(c.State),
		transport.PropBriefcaseID: int(c.BriefcaseID),
		transport.PropChangeSetID: c.RevisionID,
	})
}

// lockStates folds per-briefcase lock rows into one state per resource.
// None rows are skipped.
func lockStates(locks []models.Lock) []models.LockState {
	byID := map[models.LockableID]*models.LockState{}
	var order []models.LockableID
	for _, l := range locks {
		st, ok := byID[l.ID]
		if !ok {
			st = &models.LockState{ID: l.ID}
			byID[l.ID] = st
			order = append(order, l.ID)
		}
		if l.ReleasedWithRevisionID != "" {
			st.ReleasedWithRevisionID = l.ReleasedWithRevisionID
		}
		switch l.Level {
		case models.LockLevelExclusive:
			st.ExclusiveOwner = l.BriefcaseID
		case models.LockLevelShared:
			st.SharedOwners = append(st.SharedOwners, l.BriefcaseID)
		}
	}

	out := make([]models.LockState, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}
