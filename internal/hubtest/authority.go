package hubtest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/reservation"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
)

type lockRow struct {
	level         models.LockLevel
	releasedWith  string
	releasedIndex int64
}

type codeRow struct {
	state     models.CodeState
	briefcase models.BriefcaseID
	revision  string
}

// authority is the lock and code table. Requests run against a clone and
// the clone replaces the table only when the whole batch succeeded.
type authority struct {
	locks map[models.LockableID]map[models.BriefcaseID]lockRow
	codes map[models.Code]codeRow

	// indexOf resolves revision ids, including the one being initialized.
	indexOf  func(id string) (int64, bool)
	detailed bool
	events   []events.Event
}

func newAuthority() *authority {
	return &authority{
		locks: map[models.LockableID]map[models.BriefcaseID]lockRow{},
		codes: map[models.Code]codeRow{},
	}
}

func (a *authority) clone() *authority {
	c := newAuthority()
	for id, rows := range a.locks {
		cp := make(map[models.BriefcaseID]lockRow, len(rows))
		for bc, r := range rows {
			cp[bc] = r
		}
		c.locks[id] = cp
	}
	for code, r := range a.codes {
		c.codes[code] = r
	}
	return c
}

func (a *authority) setLock(id models.LockableID, bc models.BriefcaseID, row lockRow) {
	rows := a.locks[id]
	if rows == nil {
		rows = map[models.BriefcaseID]lockRow{}
		a.locks[id] = rows
	}
	if row.level == models.LockLevelNone && row.releasedWith == "" {
		delete(rows, bc)
		if len(rows) == 0 {
			delete(a.locks, id)
		}
		return
	}
	rows[bc] = row
}

func (a *authority) lockModel(id models.LockableID, bc models.BriefcaseID, r lockRow) models.Lock {
	return models.Lock{ID: id, Level: r.level, BriefcaseID: bc,
		ReleasedWithRevisionID: r.releasedWith, ReleasedWithRevisionIndex: r.releasedIndex}
}

func (a *authority) withData(err *hubError, locks []models.Lock, codes []models.CodeInfo) *hubError {
	if !a.detailed {
		return err
	}
	err.data = map[string]any{}
	if len(locks) > 0 {
		list := make([]map[string]any, 0, len(locks))
		for _, l := range locks {
			list = append(list, reservation.LockInstance(l).Properties)
		}
		err.data[reservation.ErrorDataLocks] = list
	}
	if len(codes) > 0 {
		list := make([]map[string]any, 0, len(codes))
		for _, c := range codes {
			list = append(list, reservation.CodeInstance(c).Properties)
		}
		err.data[reservation.ErrorDataCodes] = list
	}
	return err
}

// multiLock applies a MultiLock request. A level above None sets the lock
// to that level. None demotes it, or with a releasing revision marks it as
// released by that revision.
func (a *authority) multiLock(inst transport.Instance) error {
	typ := models.LockableType(inst.Int(transport.PropLockType))
	level := models.LockLevel(inst.Int(transport.PropLockLevel))
	bc := models.BriefcaseID(inst.Int(transport.PropBriefcaseID))
	released := inst.Str(transport.PropReleasedWithChangeSet)
	ids := inst.Strs(transport.PropObjectIDs)

	if !bc.IsValid() {
		return badRequest(ErrIDInvalidBriefcase, "briefcase %d", bc)
	}
	if typ < 0 || int(typ) >= models.LockableTypeCount || level < 0 || int(level) >= models.LockLevelCount {
		return badRequest(ErrIDMissingProperties, "lock type %d level %d", typ, level)
	}

	if level == models.LockLevelNone {
		return a.releaseLocks(typ, bc, released, ids)
	}

	var lastIndex int64
	if released != "" {
		idx, ok := a.indexOf(released)
		if !ok {
			return notFound(ErrIDChangeSetDoesNotExist, "revision %s", released)
		}
		lastIndex = idx
	}

	var denied []models.Lock
	pull := false
	for _, obj := range ids {
		id := models.LockableID{Type: typ, ObjectID: obj}
		for other, row := range a.locks[id] {
			if other == bc {
				continue
			}
			if row.level == models.LockLevelExclusive || (level == models.LockLevelExclusive && row.level == models.LockLevelShared) {
				denied = append(denied, a.lockModel(id, other, row))
				continue
			}
			if row.releasedIndex > lastIndex {
				pull = true
			}
		}
	}
	if len(denied) > 0 {
		return a.withData(conflict(ErrIDLockOwned, "%d locks held by other briefcases", len(denied)), denied, nil)
	}
	if pull {
		return conflict(ErrIDPullIsRequired, "locks were released by revisions after %q", released)
	}
	if inst.Bool(transport.PropQueryOnly) {
		return nil
	}

	for _, obj := range ids {
		id := models.LockableID{Type: typ, ObjectID: obj}
		row := a.locks[id][bc]
		row.level = level
		a.setLock(id, bc, row)
	}
	a.events = append(a.events, events.LockEvent{ObjectIDs: ids, LockType: typ, LockLevel: level, BriefcaseID: bc})
	return nil
}

func (a *authority) releaseLocks(typ models.LockableType, bc models.BriefcaseID, released string, ids []string) error {
	var index int64
	if released != "" {
		idx, ok := a.indexOf(released)
		if !ok {
			return notFound(ErrIDChangeSetDoesNotExist, "revision %s", released)
		}
		index = idx
	}
	for _, obj := range ids {
		id := models.LockableID{Type: typ, ObjectID: obj}
		row, ok := a.locks[id][bc]
		if released != "" && (!ok || row.level == models.LockLevelNone) {
			return notFound(ErrIDLockDoesNotExist, "lock %s of briefcase %d", id, bc)
		}
		if !ok {
			continue
		}
		row.level = models.LockLevelNone
		if released != "" {
			row.releasedWith, row.releasedIndex = released, index
		}
		a.setLock(id, bc, row)
	}
	a.events = append(a.events, events.LockEvent{ObjectIDs: ids, LockType: typ,
		LockLevel: models.LockLevelNone, BriefcaseID: bc, ReleasedWithRevision: released})
	return nil
}

// multiCode applies a MultiCode request. Created reserves; Modified moves
// codes to the requested state.
func (a *authority) multiCode(state transport.ChangeState, inst transport.Instance) error {
	spec := inst.Str(transport.PropCodeSpecID)
	scope := inst.Str(transport.PropCodeScope)
	bc := models.BriefcaseID(inst.Int(transport.PropBriefcaseID))
	target := models.CodeState(inst.Int(transport.PropState))
	rev := inst.Str(transport.PropChangeSetID)
	values := inst.Strs(transport.PropValues)

	if !bc.IsValid() {
		return badRequest(ErrIDInvalidBriefcase, "briefcase %d", bc)
	}
	if spec == "" {
		return badRequest(ErrIDMissingProperties, "code spec")
	}

	switch {
	case state == transport.ChangeCreated && target == models.CodeStateReserved:
		return a.reserveCodes(spec, scope, bc, values, inst.Bool(transport.PropQueryOnly))
	case state == transport.ChangeModified && target == models.CodeStateAvailable:
		for _, v := range values {
			code := models.Code{SpecID: spec, Scope: scope, Value: v}
			if row, ok := a.codes[code]; ok && row.briefcase == bc && row.state == models.CodeStateReserved {
				delete(a.codes, code)
			}
		}
		a.events = append(a.events, events.CodeEvent{CodeSpecID: spec, Scope: scope, Values: values, BriefcaseID: bc})
		return nil
	case state == transport.ChangeModified && (target == models.CodeStateUsed || target == models.CodeStateDiscarded):
		return a.settleCodes(spec, scope, bc, target, rev, values)
	default:
		return conflict(ErrIDCodeStateInvalid, "%s to state %s", state, target)
	}
}

func (a *authority) reserveCodes(spec, scope string, bc models.BriefcaseID, values []string, queryOnly bool) error {
	var reserved, used []models.CodeInfo
	for _, v := range values {
		code := models.Code{SpecID: spec, Scope: scope, Value: v}
		row, ok := a.codes[code]
		if !ok {
			continue
		}
		info := models.CodeInfo{Code: code, State: row.state, BriefcaseID: row.briefcase, RevisionID: row.revision}
		switch {
		case row.state == models.CodeStateUsed:
			used = append(used, info)
		case row.state == models.CodeStateReserved && row.briefcase != bc:
			reserved = append(reserved, info)
		}
	}
	if len(reserved) > 0 {
		return a.withData(conflict(ErrIDCodeReserved, "%d codes reserved by other briefcases", len(reserved)),
			nil, append(reserved, used...))
	}
	if len(used) > 0 {
		return a.withData(conflict(ErrIDCodeExists, "%d codes already used", len(used)), nil, used)
	}
	if queryOnly {
		return nil
	}
	for _, v := range values {
		a.codes[models.Code{SpecID: spec, Scope: scope, Value: v}] = codeRow{state: models.CodeStateReserved, briefcase: bc}
	}
	a.events = append(a.events, events.CodeEvent{CodeSpecID: spec, Scope: scope, Values: values,
		Reserved: true, BriefcaseID: bc})
	return nil
}

func (a *authority) settleCodes(spec, scope string, bc models.BriefcaseID, target models.CodeState, rev string, values []string) error {
	for _, v := range values {
		code := models.Code{SpecID: spec, Scope: scope, Value: v}
		row, ok := a.codes[code]
		switch {
		case !ok:
			return notFound(ErrIDCodeDoesNotExist, "code %s", code)
		case row.briefcase != bc:
			return a.withData(conflict(ErrIDCodeReserved, "code %s", code), nil,
				[]models.CodeInfo{{Code: code, State: row.state, BriefcaseID: row.briefcase, RevisionID: row.revision}})
		case row.state != models.CodeStateReserved:
			return conflict(ErrIDCodeStateInvalid, "code %s is %s", code, row.state)
		}
		a.codes[code] = codeRow{state: target, briefcase: bc, revision: rev}
	}
	a.events = append(a.events, events.CodeEvent{CodeSpecID: spec, Scope: scope, Values: values,
		Used: target == models.CodeStateUsed, BriefcaseID: bc, UsedWithRevision: rev})
	return nil
}

// deleted handles the bulk release instances "DeleteAll-<bc>" and
// "DiscardReservedCodes-<bc>".
func (a *authority) deleted(inst transport.Instance) error {
	prefix, suffix, ok := strings.Cut(inst.ID, "-")
	n, err := strconv.Atoi(suffix)
	if !ok || err != nil || !models.BriefcaseID(n).IsValid() {
		return badRequest(ErrIDInvalidBriefcase, "instance %q", inst.ID)
	}
	bc := models.BriefcaseID(n)

	switch {
	case inst.Class == transport.ClassLock && prefix == transport.DeleteAllLocksID:
		a.dropLocks(bc)
	case inst.Class == transport.ClassCode && prefix == transport.DiscardReservedCodesID:
		a.dropCodes(bc)
	default:
		return notFound(ErrIDInstanceNotFound, "%s %s", inst.Class, inst.ID)
	}
	return nil
}

func (a *authority) dropLocks(bc models.BriefcaseID) {
	for id, rows := range a.locks {
		if row, ok := rows[bc]; ok {
			row.level = models.LockLevelNone
			a.setLock(id, bc, row)
		}
	}
	a.events = append(a.events, events.AllLocksDeletedEvent{BriefcaseID: bc})
}

func (a *authority) dropCodes(bc models.BriefcaseID) {
	for code, row := range a.codes {
		if row.briefcase == bc && row.state == models.CodeStateReserved {
			delete(a.codes, code)
		}
	}
	a.events = append(a.events, events.AllCodesDeletedEvent{BriefcaseID: bc})
}

// lockInstances lists per-briefcase Lock rows, None rows with a release
// included.
func (a *authority) lockInstances() []transport.Instance {
	var out []transport.Instance
	for id, rows := range a.locks {
		for bc, row := range rows {
			out = append(out, reservation.LockInstance(a.lockModel(id, bc, row)))
		}
	}
	sortInstances(out)
	return out
}

// multiLockInstances groups held locks per briefcase, type and level.
func (a *authority) multiLockInstances() []transport.Instance {
	type bucket struct {
		bc    models.BriefcaseID
		typ   models.LockableType
		level models.LockLevel
	}
	groups := map[bucket][]string{}
	for id, rows := range a.locks {
		for bc, row := range rows {
			if row.level == models.LockLevelNone {
				continue
			}
			b := bucket{bc, id.Type, row.level}
			groups[b] = append(groups[b], id.ObjectID)
		}
	}
	out := make([]transport.Instance, 0, len(groups))
	for b, ids := range groups {
		sort.Strings(ids)
		out = append(out, transport.NewInstance(transport.ClassMultiLock,
			fmt.Sprintf("%d-%d-%d", b.bc, b.typ, b.level), map[string]any{
				transport.PropBriefcaseID: int(b.bc),
				transport.PropLockType:    int(b.typ),
				transport.PropLockLevel:   int(b.level),
				transport.PropObjectIDs:   ids,
			}))
	}
	sortInstances(out)
	return out
}

func (a *authority) codeInstances() []transport.Instance {
	out := make([]transport.Instance, 0, len(a.codes))
	for code, row := range a.codes {
		out = append(out, reservation.CodeInstance(models.CodeInfo{
			Code: code, State: row.state, BriefcaseID: row.briefcase, RevisionID: row.revision,
		}))
	}
	sortInstances(out)
	return out
}

// multiCodeInstances groups codes per briefcase, spec, scope and state.
func (a *authority) multiCodeInstances() []transport.Instance {
	type bucket struct {
		bc          models.BriefcaseID
		spec, scope string
		state       models.CodeState
		revision    string
	}
	groups := map[bucket][]string{}
	for code, row := range a.codes {
		b := bucket{row.briefcase, code.SpecID, code.Scope, row.state, row.revision}
		groups[b] = append(groups[b], code.Value)
	}
	out := make([]transport.Instance, 0, len(groups))
	for b, values := range groups {
		sort.Strings(values)
		out = append(out, transport.NewInstance(transport.ClassMultiCode,
			fmt.Sprintf("%d-%s-%s-%d-%s", b.bc, b.spec, b.scope, b.state, b.revision), map[string]any{
				transport.PropBriefcaseID: int(b.bc),
				transport.PropCodeSpecID:  b.spec,
				transport.PropCodeScope:   b.scope,
				transport.PropState:       int(b.state),
				transport.PropChangeSetID: b.revision,
				transport.PropValues:      values,
			}))
	}
	sortInstances(out)
	return out
}

func sortInstances(list []transport.Instance) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
