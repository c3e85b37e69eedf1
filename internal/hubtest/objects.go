package hubtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/reservation"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/cryptox"
)

// query is a decoded object query. Filter is in its string form, as both
// protocols carry it.
type query struct {
	class  string
	filter string
	sel    string
	top    int
}

func (h *Hub) create(inst transport.Instance) (transport.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(inst.Class); err != nil {
		return transport.Instance{}, err
	}

	switch inst.Class {
	case transport.ClassChangeSet:
		return h.createRevision(inst)
	case transport.ClassBriefcase:
		return h.createBriefcase(inst)
	case transport.ClassEventSAS:
		return h.createSAS()
	default:
		return transport.Instance{}, badRequest(ErrIDClassNotSupported, "create %s", inst.Class)
	}
}

func (h *Hub) createRevision(inst transport.Instance) (transport.Instance, error) {
	id := inst.Str(transport.PropID)
	bc := models.BriefcaseID(inst.Int(transport.PropBriefcaseID))
	parent := inst.Str(transport.PropParentID)

	if id == "" || inst.Str(transport.PropSeedFileID) == "" {
		return transport.Instance{}, badRequest(ErrIDMissingProperties, "revision id and seed file are required")
	}
	if _, ok := h.briefcases[bc]; !ok {
		return transport.Instance{}, notFound(ErrIDBriefcaseDoesNotExist, "briefcase %d", bc)
	}
	if inst.Str(transport.PropSeedFileID) != h.masterFileID {
		return transport.Instance{}, badRequest(ErrIDInvalidChangeSet, "unknown seed file %s", inst.Str(transport.PropSeedFileID))
	}
	if _, ok := h.byID[id]; ok {
		return transport.Instance{}, conflict(ErrIDChangeSetExists, "revision %s", id)
	}
	tipID, tipIndex := h.tipLocked()
	if parent != tipID {
		return transport.Instance{}, conflict(ErrIDPullIsRequired, "parent %q is not the tip %q", parent, tipID)
	}
	now := h.now()
	for other, p := range h.pending {
		if other != bc && now.Sub(p.created) < h.opts.PendingTimeout {
			return transport.Instance{}, conflict(ErrIDAnotherUserPushing, "briefcase %d is pushing", other)
		}
	}

	rev := &revision{
		id:           id,
		parentID:     parent,
		masterFileID: h.masterFileID,
		description:  inst.Str(transport.PropDescription),
		user:         "hubtest",
		index:        tipIndex + 1,
		briefcase:    bc,
		fileSize:     inst.Int(transport.PropFileSize),
		containing:   inst.Int(transport.PropContainingChanges),
		created:      now,
	}
	h.pending[bc] = rev
	delete(h.files, fileKey(transport.ClassChangeSet, id))
	h.publishLocked(events.PrePushEvent{BriefcaseID: bc})

	out := h.revisionInstance(rev, false)
	if _, ok := inst.Related[transport.RelFileAccessKey]; ok && h.opts.AccessKeys {
		if err := h.attachKey(&out, transport.ClassChangeSet, id, true); err != nil {
			return transport.Instance{}, err
		}
	}
	return out, nil
}

func (h *Hub) createBriefcase(inst transport.Instance) (transport.Instance, error) {
	bc := &briefcase{id: h.nextBriefcase, acquired: h.now()}
	h.nextBriefcase++
	h.briefcases[bc.id] = bc

	out := h.briefcaseInstance(bc)
	if _, ok := inst.Related[transport.RelFileAccessKey]; ok && h.opts.AccessKeys {
		if err := h.attachKey(&out, transport.ClassBriefcase, bc.id.String(), false); err != nil {
			return transport.Instance{}, err
		}
	}
	return out, nil
}

func (h *Hub) revisionInstance(r *revision, uploaded bool) transport.Instance {
	props := map[string]any{
		transport.PropID:                r.id,
		transport.PropIndex:             r.index,
		transport.PropParentID:          r.parentID,
		transport.PropSeedFileID:        r.masterFileID,
		transport.PropBriefcaseID:       int(r.briefcase),
		transport.PropDescription:       r.description,
		transport.PropFileSize:          r.fileSize,
		transport.PropIsUploaded:        uploaded,
		transport.PropContainingChanges: r.containing,
		transport.PropUserCreated:       r.user,
	}
	if !r.pushDate.IsZero() {
		props[transport.PropPushDate] = r.pushDate.UTC().Format(time.RFC3339Nano)
	}
	return transport.NewInstance(transport.ClassChangeSet, r.id, props)
}

func (h *Hub) briefcaseInstance(b *briefcase) transport.Instance {
	return transport.NewInstance(transport.ClassBriefcase, b.id.String(), map[string]any{
		transport.PropBriefcaseID:       int(b.id),
		transport.PropFileID:            h.masterFileID,
		transport.PropFileName:          h.opts.Repository + ".bim",
		transport.PropFileSize:          len(h.seed),
		transport.PropMergedChangeSetID: b.merged,
		transport.PropAcquiredDate:      b.acquired.UTC().Format(time.RFC3339Nano),
		transport.PropIsReadOnly:        false,
		transport.PropUserOwned:         "hubtest",
	})
}

func (h *Hub) list(q query) ([]transport.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(q.class); err != nil {
		return nil, err
	}

	var filter transport.Expr
	if q.filter != "" {
		f, err := transport.ParseFilter(q.filter)
		if err != nil {
			return nil, badRequest(ErrIDInvalidChangeSet, "filter %q: %v", q.filter, err)
		}
		filter = f
	}

	var candidates []transport.Instance
	var extra func(transport.Instance, string) (any, bool)
	switch q.class {
	case transport.ClassChangeSet:
		for _, r := range h.chain {
			candidates = append(candidates, h.revisionInstance(r, true))
		}
		extra = h.revisionResolver
	case transport.ClassBriefcase:
		ids := make([]int, 0, len(h.briefcases))
		for id := range h.briefcases {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			candidates = append(candidates, h.briefcaseInstance(h.briefcases[models.BriefcaseID(id)]))
		}
	case transport.ClassLock:
		candidates = h.auth.lockInstances()
		extra = lockResolver
	case transport.ClassMultiLock:
		candidates = h.auth.multiLockInstances()
	case transport.ClassCode:
		candidates = h.auth.codeInstances()
		extra = codeResolver
	case transport.ClassMultiCode:
		candidates = h.auth.multiCodeInstances()
	default:
		return nil, badRequest(ErrIDClassNotSupported, "query %s", q.class)
	}

	out := make([]transport.Instance, 0, len(candidates))
	for _, inst := range candidates {
		if filter != nil && !filter.Eval(resolver(inst, extra)) {
			continue
		}
		inst = project(inst, q.sel)
		if strings.Contains(q.sel, transport.RelFileAccessKey) && h.opts.AccessKeys {
			if err := h.attachKey(&inst, inst.Class, inst.ID, false); err != nil {
				return nil, err
			}
		}
		out = append(out, inst)
		if q.top > 0 && len(out) == q.top {
			break
		}
	}
	return out, nil
}

func resolver(inst transport.Instance, extra func(transport.Instance, string) (any, bool)) func(string) (any, bool) {
	return func(name string) (any, bool) {
		if extra != nil {
			if v, ok := extra(inst, name); ok {
				return v, true
			}
		}
		if name == transport.PropInstanceID {
			return inst.ID, true
		}
		v, ok := inst.Properties[name]
		return v, ok
	}
}

// revisionResolver answers the following-revision filter with every
// revision that precedes inst.
func (h *Hub) revisionResolver(inst transport.Instance, name string) (any, bool) {
	if name != transport.PropFollowingChangeSet {
		return nil, false
	}
	index := inst.Int(transport.PropIndex)
	var before []any
	for _, r := range h.chain {
		if r.index < index {
			before = append(before, r.id)
		}
	}
	return before, true
}

// lockResolver matches instance id filters with and without the briefcase
// suffix.
func lockResolver(inst transport.Instance, name string) (any, bool) {
	if name != transport.PropInstanceID {
		return nil, false
	}
	shared := reservation.LockObjectID(models.LockableID{
		Type:     models.LockableType(inst.Int(transport.PropLockType)),
		ObjectID: inst.Str(transport.PropObjectID),
	}, models.InvalidBriefcaseID)
	return []any{inst.ID, shared}, true
}

func codeResolver(inst transport.Instance, name string) (any, bool) {
	if name != transport.PropInstanceID {
		return nil, false
	}
	shared := reservation.CodeObjectID(models.Code{
		SpecID: inst.Str(transport.PropCodeSpecID),
		Scope:  inst.Str(transport.PropCodeScope),
		Value:  inst.Str(transport.PropValue),
	}, models.InvalidBriefcaseID)
	return []any{inst.ID, shared}, true
}

// project keeps the selected properties. "*" and an empty select keep
// everything.
func project(inst transport.Instance, sel string) transport.Instance {
	if sel == "" || strings.HasPrefix(sel, "*") {
		return inst
	}
	props := map[string]any{}
	for _, name := range strings.Split(sel, ",") {
		name = strings.TrimSpace(name)
		if v, ok := inst.Properties[name]; ok {
			props[name] = v
		}
	}
	inst.Properties = props
	return inst
}

func (h *Hub) update(inst transport.Instance) error {
	var cs transport.Changeset
	cs.Add(transport.ChangeModified, inst)
	_, err := h.changeset(cs)
	return err
}

func (h *Hub) remove(id transport.ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(id.Class); err != nil {
		return err
	}

	switch id.Class {
	case transport.ClassBriefcase:
		n, _ := strconv.Atoi(id.ID)
		bc := models.BriefcaseID(n)
		if _, ok := h.briefcases[bc]; !ok {
			return notFound(ErrIDBriefcaseDoesNotExist, "briefcase %s", id.ID)
		}
		delete(h.briefcases, bc)
		delete(h.pending, bc)
		h.auth.events = nil
		h.auth.dropLocks(bc)
		h.auth.dropCodes(bc)
		h.flushEvents(h.auth)
		return nil
	case transport.ClassEventSubscription:
		if _, ok := h.subs[id.ID]; !ok {
			return notFound(ErrIDNoSubscriptionFound, "subscription %s", id.ID)
		}
		delete(h.subs, id.ID)
		return nil
	case transport.ClassLock, transport.ClassCode:
		var cs transport.Changeset
		cs.Add(transport.ChangeDeleted, transport.NewInstance(id.Class, id.ID, nil))
		_, err := h.applyLocked(cs)
		return err
	default:
		return notFound(ErrIDInstanceNotFound, "%s %s", id.Class, id.ID)
	}
}

func (h *Hub) changeset(cs transport.Changeset) ([]transport.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, inst := range cs.Instances {
		if err := h.injected(inst.Class); err != nil {
			return nil, err
		}
	}
	return h.applyLocked(cs)
}

// applyLocked runs every change of cs against a staged copy of the
// authority. Nothing is kept unless all of them succeed.
func (h *Hub) applyLocked(cs transport.Changeset) ([]transport.Instance, error) {
	staged := h.auth.clone()
	staged.indexOf = h.indexLocked
	staged.detailed = cs.Options.DetailedErrors

	var (
		results   []transport.Instance
		finishing []*revision
		subs      []func()
	)
	for _, inst := range cs.Instances {
		var (
			out transport.Instance
			err error
		)
		switch {
		case inst.Class == transport.ClassChangeSet && inst.State == transport.ChangeModified:
			var rev *revision
			rev, err = h.checkInitialize(inst)
			if err == nil {
				finishing = append(finishing, rev)
				out = h.revisionInstance(rev, true)
			}
		case inst.Class == transport.ClassMultiLock && inst.State == transport.ChangeModified:
			err = staged.multiLock(inst)
			out = inst
		case inst.Class == transport.ClassMultiCode && inst.State != transport.ChangeDeleted:
			err = staged.multiCode(inst.State, inst)
			out = inst
		case (inst.Class == transport.ClassLock || inst.Class == transport.ClassCode) && inst.State == transport.ChangeDeleted:
			err = staged.deleted(inst)
		case inst.Class == transport.ClassCodeSequence && inst.State == transport.ChangeCreated:
			out, err = sequenceValue(staged, inst)
		case inst.Class == transport.ClassEventSubscription && inst.State != transport.ChangeDeleted:
			var apply func()
			out, apply, err = h.saveSubscription(inst)
			subs = append(subs, apply)
		default:
			err = badRequest(ErrIDClassNotSupported, "%s %s", inst.State, inst.Class)
		}
		if err != nil {
			return nil, err
		}
		if out.Class != "" {
			out.State = inst.State
			results = append(results, out)
		}
	}

	h.auth = staged
	for _, rev := range finishing {
		h.finishRevision(rev)
	}
	for _, apply := range subs {
		apply()
	}
	h.flushEvents(staged)
	if cs.Options.EmptyResponse {
		return nil, nil
	}
	return results, nil
}

func (h *Hub) flushEvents(a *authority) {
	for _, ev := range a.events {
		h.publishLocked(ev)
	}
	a.events = nil
}

// checkInitialize validates the revision an IsUploaded change refers to.
func (h *Hub) checkInitialize(inst transport.Instance) (*revision, error) {
	id := inst.Str(transport.PropID)
	if id == "" {
		id = inst.ID
	}
	if !inst.Bool(transport.PropIsUploaded) {
		return nil, badRequest(ErrIDMissingProperties, "only IsUploaded can change on a revision")
	}
	bc := models.BriefcaseID(inst.Int(transport.PropBriefcaseID))
	rev, ok := h.pending[bc]
	if !ok || rev.id != id {
		return nil, notFound(ErrIDChangeSetDoesNotExist, "no pending revision %s for briefcase %d", id, bc)
	}
	content, ok := h.files[fileKey(transport.ClassChangeSet, id)]
	if !ok {
		return nil, conflict(ErrIDFileIsNotUploaded, "revision %s", id)
	}
	digest, err := cryptox.RevisionDigest(bytes.NewReader(content))
	if err != nil || digest != id {
		return nil, badRequest(ErrIDInvalidChangeSet, "revision %s content hashes to %s", id, digest)
	}
	if tip, _ := h.tipLocked(); rev.parentID != tip {
		return nil, conflict(ErrIDPullIsRequired, "revision %s is no longer on the tip", id)
	}
	return rev, nil
}

func (h *Hub) finishRevision(rev *revision) {
	rev.pushDate = h.now()
	delete(h.pending, rev.briefcase)
	h.chain = append(h.chain, rev)
	h.byID[rev.id] = rev
	if b, ok := h.briefcases[rev.briefcase]; ok {
		b.merged = rev.id
	}
	h.logger.Debug(context.Background(), "revision pushed", "revision", rev.id, "index", rev.index, "briefcase", rev.briefcase)
	h.publishLocked(events.RevisionEvent{RevisionID: rev.id, RevisionIndex: rev.index, BriefcaseID: rev.briefcase})
}

// putFile stores an uploaded file body.
func (h *Hub) putFile(class, id string, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(class); err != nil {
		return err
	}
	if class != transport.ClassChangeSet {
		return badRequest(ErrIDClassNotSupported, "upload to %s", class)
	}
	found := false
	for _, p := range h.pending {
		if p.id == id {
			found = true
		}
	}
	if !found {
		return notFound(ErrIDChangeSetDoesNotExist, "no pending revision %s", id)
	}
	h.files[fileKey(class, id)] = body
	return nil
}

// getFile returns a stored file body. Briefcases download the seed.
func (h *Hub) getFile(class, id string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.injected(class); err != nil {
		return nil, err
	}
	switch class {
	case transport.ClassBriefcase:
		n, _ := strconv.Atoi(id)
		if _, ok := h.briefcases[models.BriefcaseID(n)]; !ok {
			return nil, notFound(ErrIDBriefcaseDoesNotExist, "briefcase %s", id)
		}
		return h.seed, nil
	case transport.ClassChangeSet:
		if _, ok := h.byID[id]; !ok {
			return nil, notFound(ErrIDChangeSetDoesNotExist, "revision %s", id)
		}
		return h.files[fileKey(class, id)], nil
	default:
		return nil, newError(ErrIDInstanceNotFound, http.StatusNotFound, "no file for %s %s", class, id)
	}
}

// sequenceValue answers a CodeSequence request from the codes the
// authority knows.
func sequenceValue(a *authority, inst transport.Instance) (transport.Instance, error) {
	spec := inst.Str(transport.PropCodeSpecID)
	scope := inst.Str(transport.PropCodeScope)
	pattern := inst.Str(transport.PropValuePattern)
	first := strings.IndexRune(pattern, reservation.SequencePlaceholder)
	last := strings.LastIndexFunc(pattern, func(r rune) bool { return r == reservation.SequencePlaceholder })
	if spec == "" || first < 0 {
		return transport.Instance{}, badRequest(ErrIDMissingProperties, "code sequence pattern %q", pattern)
	}
	prefix, suffix, width := pattern[:first], pattern[last+1:], last-first+1

	taken := map[int]bool{}
	maxIndex := -1
	for code := range a.codes {
		if code.SpecID != spec || code.Scope != scope ||
			!strings.HasPrefix(code.Value, prefix) || !strings.HasSuffix(code.Value, suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(code.Value, prefix), suffix))
		if err != nil {
			continue
		}
		taken[n] = true
		if n > maxIndex {
			maxIndex = n
		}
	}

	format := func(n int) string { return fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix) }
	var value string
	switch models.CodeSequenceType(inst.Int(transport.PropType)) {
	case models.CodeSequenceMaximum:
		if maxIndex < 0 {
			return transport.Instance{}, notFound(ErrIDCodeDoesNotExist, "no code matches %q", pattern)
		}
		value = format(maxIndex)
	case models.CodeSequenceNextAvailable:
		start, step := int(inst.Int(transport.PropStartIndex)), int(inst.Int(transport.PropIncrementBy))
		if step <= 0 {
			start, step = 1, 1
		}
		n := start
		for taken[n] {
			n += step
		}
		value = format(n)
	default:
		return transport.Instance{}, badRequest(ErrIDMissingProperties, "code sequence type %d", inst.Int(transport.PropType))
	}

	out := transport.NewInstance(transport.ClassCodeSequence, "", map[string]any{
		transport.PropCodeSpecID:   spec,
		transport.PropCodeScope:    scope,
		transport.PropValuePattern: pattern,
		transport.PropValue:        value,
	})
	return out, nil
}
