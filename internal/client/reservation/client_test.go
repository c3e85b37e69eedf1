package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu         sync.Mutex
	changesets []transport.Changeset
	queries    []transport.Query

	csResult []transport.Instance
	csErr    error
	results  map[string][]transport.Instance
	queryErr map[string]error
}

func (f *fakeTransport) CreateObject(context.Context, transport.Instance) (transport.Instance, error) {
	return transport.Instance{}, errors.New("unexpected")
}

func (f *fakeTransport) QueryObjects(_ context.Context, q transport.Query) ([]transport.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if err := f.queryErr[q.Class]; err != nil {
		return nil, err
	}
	return f.results[q.Class], nil
}

func (f *fakeTransport) UpdateObject(context.Context, transport.Instance) error { return nil }
func (f *fakeTransport) DeleteObject(context.Context, transport.ObjectID) error { return nil }
func (f *fakeTransport) UploadFile(context.Context, transport.ObjectID, string, netx.ProgressFunc) error {
	return nil
}
func (f *fakeTransport) DownloadFile(context.Context, transport.ObjectID, string, netx.ProgressFunc) error {
	return nil
}

func (f *fakeTransport) SendChangeset(_ context.Context, cs transport.Changeset) ([]transport.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changesets = append(f.changesets, cs)
	return f.csResult, f.csErr
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) query(class string) *transport.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.queries {
		if f.queries[i].Class == class {
			return &f.queries[i]
		}
	}
	return nil
}

var (
	elemLock = models.Lock{ID: models.LockableID{Type: models.LockableTypeElement, ObjectID: "0x10"}, Level: models.LockLevelExclusive}
	code1    = models.Code{SpecID: "0x1", Scope: "s", Value: "A"}
)

func TestAcquireCodesLocks_Request(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	err := c.AcquireCodesLocks(context.Background(), []models.Lock{elemLock}, []models.Code{code1}, 2, "master", "r5")
	require.NoError(t, err)
	require.Len(t, ft.changesets, 1)

	cs := ft.changesets[0]
	assert.True(t, cs.Options.DetailedErrors)
	assert.True(t, cs.Options.EmptyResponse)
	require.Len(t, cs.Instances, 2)

	lock := cs.Instances[0]
	assert.Equal(t, transport.ChangeModified, lock.State)
	assert.Equal(t, "master", lock.Properties[transport.PropSeedFileID])
	assert.Equal(t, "r5", lock.Properties[transport.PropReleasedWithChangeSet])
	assert.Equal(t, false, lock.Properties[transport.PropQueryOnly])

	code := cs.Instances[1]
	assert.Equal(t, transport.ChangeCreated, code.State)
	assert.Equal(t, int(models.CodeStateReserved), code.Properties[transport.PropState])
}

func TestQueryCodesLocksAvailability_IsQueryOnly(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)

	require.NoError(t, c.QueryCodesLocksAvailability(context.Background(), []models.Lock{elemLock}, []models.Code{code1}, 2, "m", ""))
	for _, inst := range ft.changesets[0].Instances {
		assert.Equal(t, true, inst.Properties[transport.PropQueryOnly])
	}
}

func TestAcquire_InvalidBriefcase(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, nil)
	err := c.AcquireCodesLocks(context.Background(), []models.Lock{elemLock}, nil, models.StandaloneBriefcaseID, "m", "")
	require.ErrorIs(t, err, common.ErrInvalidBriefcase)
	assert.Empty(t, ft.changesets)
}

func TestAcquire_EmptyRequestSendsNothing(t *testing.T) {
	ft := &fakeTransport{}
	require.NoError(t, New(ft, nil).AcquireCodesLocks(context.Background(), nil, nil, 2, "m", ""))
	assert.Empty(t, ft.changesets)
}

func TestAcquire_ConflictIsEnriched(t *testing.T) {
	held := LockInstance(models.Lock{ID: elemLock.ID, Level: models.LockLevelExclusive, BriefcaseID: 9, ReleasedWithRevisionID: "r3"})
	used := CodeInstance(models.CodeInfo{Code: code1, State: models.CodeStateUsed, BriefcaseID: 9, RevisionID: "r4"})
	ft := &fakeTransport{csErr: common.NewRemoteError("iModelHub.LockOwnedByAnotherBriefcase", "denied", 409, map[string]any{
		ErrorDataLocks: []any{held.Properties},
		ErrorDataCodes: []any{used.Properties},
	})}

	err := New(ft, nil).AcquireCodesLocks(context.Background(), []models.Lock{elemLock}, []models.Code{code1}, 2, "m", "")
	require.ErrorIs(t, err, common.ErrLockOwnedByAnotherBriefcase)
	assert.Equal(t, common.KindConflict, common.KindOf(err))

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Locks, 1)
	assert.Equal(t, models.BriefcaseID(9), ce.Locks[0].ExclusiveOwner)
	assert.Equal(t, "r3", ce.Locks[0].ReleasedWithRevisionID)
	require.Len(t, ce.Codes, 1)
	assert.Equal(t, "r4", ce.Codes[0].RevisionID)
	assert.Contains(t, err.Error(), "held by briefcase 9")
}

func TestAcquire_NonConflictErrorNotEnriched(t *testing.T) {
	ft := &fakeTransport{csErr: common.NewRemoteError("iModelHub.PullIsRequired", "", 409, map[string]any{"x": 1})}
	err := New(ft, nil).AcquireCodesLocks(context.Background(), []models.Lock{elemLock}, nil, 2, "m", "")
	require.ErrorIs(t, err, common.ErrPullIsRequired)
	var ce *ConflictError
	assert.False(t, errors.As(err, &ce))
}

func TestDemoteCodesLocks(t *testing.T) {
	ft := &fakeTransport{}
	demoted := elemLock
	demoted.Level = models.LockLevelNone
	require.NoError(t, New(ft, nil).DemoteCodesLocks(context.Background(), []models.Lock{demoted}, []models.Code{code1}, 2, "m"))

	insts := ft.changesets[0].Instances
	require.Len(t, insts, 2)
	assert.Equal(t, int(models.LockLevelNone), insts[0].Properties[transport.PropLockLevel])
	assert.Equal(t, int(models.CodeStateAvailable), insts[1].Properties[transport.PropState])
	assert.Equal(t, transport.ChangeModified, insts[1].State)
}

func TestRelinquishCodesLocks(t *testing.T) {
	ft := &fakeTransport{}
	require.NoError(t, New(ft, nil).RelinquishCodesLocks(context.Background(), 7))

	insts := ft.changesets[0].Instances
	require.Len(t, insts, 2)
	assert.Equal(t, transport.ObjectID{Schema: transport.Schema, Class: transport.ClassLock, ID: "DeleteAll-7"}, insts[0].ObjectID)
	assert.Equal(t, transport.ChangeDeleted, insts[0].State)
	assert.Equal(t, "DiscardReservedCodes-7", insts[1].ID)
}

func TestAppendRevisionRelease(t *testing.T) {
	rev := &models.Revision{
		ID:          "r9",
		BriefcaseID: 2,
		UsedLocks: []models.Lock{
			elemLock,
			{ID: models.LockableID{Type: models.LockableTypeModel, ObjectID: "0x1"}, Level: models.LockLevelShared},
		},
		AssignedCodes:  []models.Code{code1},
		DiscardedCodes: []models.Code{{SpecID: "0x1", Scope: "s", Value: "B"}},
	}
	var cs transport.Changeset
	AppendRevisionRelease(&cs, rev)

	require.Len(t, cs.Instances, 3)
	assert.Equal(t, int(models.LockLevelNone), cs.Instances[0].Properties[transport.PropLockLevel])
	assert.Equal(t, "r9", cs.Instances[0].Properties[transport.PropReleasedWithChangeSet])
	assert.Equal(t, int(models.CodeStateUsed), cs.Instances[1].Properties[transport.PropState])
	assert.Equal(t, "r9", cs.Instances[1].Properties[transport.PropChangeSetID])
	assert.Equal(t, int(models.CodeStateDiscarded), cs.Instances[2].Properties[transport.PropState])
}

func TestQueryHeldResources(t *testing.T) {
	ft := &fakeTransport{results: map[string][]transport.Instance{
		transport.ClassMultiLock: lockInstances([]models.Lock{elemLock}, lockRequest{briefcase: 2}),
		transport.ClassMultiCode: codeInstances([]models.Code{code1}, codeRequest{state: models.CodeStateReserved, briefcase: 2}),
	}}

	r, err := New(ft, nil).QueryHeldResources(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, r.Locks, 1)
	assert.Equal(t, elemLock.ID, r.Locks[0].ID)
	assert.Equal(t, models.BriefcaseID(2), r.Locks[0].BriefcaseID)
	require.Len(t, r.Codes, 1)
	assert.Equal(t, code1, r.Codes[0].Code)

	assert.Equal(t, "BriefcaseId eq 2", ft.query(transport.ClassMultiLock).Filter.String())
}

func TestQueryUnavailableResources(t *testing.T) {
	ft := &fakeTransport{results: map[string][]transport.Instance{
		transport.ClassChangeSet: {transport.NewInstance(transport.ClassChangeSet, "r4", map[string]any{transport.PropIndex: 4})},
		transport.ClassLock:      {LockInstance(models.Lock{ID: elemLock.ID, Level: models.LockLevelExclusive, BriefcaseID: 3})},
	}}

	r, err := New(ft, nil).QueryUnavailableResources(context.Background(), 2, "r4")
	require.NoError(t, err)
	assert.Len(t, r.Locks, 1)
	assert.Empty(t, r.Codes)

	assert.Equal(t, "BriefcaseId ne 2 and (LockLevel gt 0 or ReleasedWithChangeSetIndex gt 4)",
		ft.query(transport.ClassLock).Filter.String())
	assert.Equal(t, "BriefcaseId ne 2 and State ne 0", ft.query(transport.ClassCode).Filter.String())
}

func TestQueryUnavailableResources_UnknownRevision(t *testing.T) {
	ft := &fakeTransport{}
	_, err := New(ft, nil).QueryUnavailableResources(context.Background(), 2, "nope")
	require.ErrorIs(t, err, common.ErrChangeSetDoesNotExist)
}

func TestQueryResources_FailsWhenEitherFails(t *testing.T) {
	ft := &fakeTransport{queryErr: map[string]error{transport.ClassCode: common.ErrInternalServer}}
	held, unavailable, err := New(ft, nil).QueryResources(context.Background(), 2, "")
	require.ErrorIs(t, err, common.ErrInternalServer)
	assert.True(t, held.IsEmpty())
	assert.True(t, unavailable.IsEmpty())
}

func TestQueryStates(t *testing.T) {
	free := models.LockableID{Type: models.LockableTypeElement, ObjectID: "0x11"}
	ft := &fakeTransport{results: map[string][]transport.Instance{
		transport.ClassLock: {
			LockInstance(models.Lock{ID: elemLock.ID, Level: models.LockLevelExclusive, BriefcaseID: 3}),
			LockInstance(models.Lock{ID: free, Level: models.LockLevelNone, BriefcaseID: 4}),
		},
		transport.ClassCode: {CodeInstance(models.CodeInfo{Code: code1, State: models.CodeStateReserved, BriefcaseID: 3})},
	}}

	locks, codes, err := New(ft, nil).QueryStates(context.Background(), []models.LockableID{elemLock.ID, free}, []models.Code{code1})
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, models.BriefcaseID(3), locks[0].ExclusiveOwner)
	require.Len(t, codes, 1)
	assert.Equal(t, models.CodeStateReserved, codes[0].State)

	assert.Equal(t, "$id in ['2-0x10','2-0x11']", ft.query(transport.ClassLock).Filter.String())
}

func TestQueryCodeNextAvailable(t *testing.T) {
	ft := &fakeTransport{csResult: []transport.Instance{
		transport.NewInstance(transport.ClassCodeSequence, "", map[string]any{transport.PropValue: "DOOR-0004"}),
	}}
	c := New(ft, nil)
	seq := CodeSequence{SpecID: "0x1", Scope: "s", ValuePattern: "DOOR-####"}

	v, err := c.QueryCodeNextAvailable(context.Background(), seq, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "DOOR-0004", v)

	props := ft.changesets[0].Instances[0].Properties
	assert.Equal(t, int(models.CodeSequenceNextAvailable), props[transport.PropType])
	assert.Equal(t, 1, props[transport.PropStartIndex])

	_, err = c.QueryCodeMaximumIndex(context.Background(), CodeSequence{SpecID: "0x1", ValuePattern: "NOPE"})
	require.ErrorIs(t, err, common.ErrMissingRequiredProperty)

	ft.csResult = nil
	_, err = c.QueryCodeMaximumIndex(context.Background(), seq)
	require.ErrorIs(t, err, common.ErrMalformedResponse)
}
