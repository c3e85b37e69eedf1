package reservation

import (
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeObjectID(t *testing.T) {
	tests := []struct {
		name string
		code models.Code
		bc   models.BriefcaseID
		want string
	}{
		{"plain", models.Code{SpecID: "0x1", Scope: "0x2", Value: "A"}, 0, "0x1-0x2-A"},
		{"dash", models.Code{SpecID: "0x1", Scope: "s-1", Value: "v-2"}, 0, "0x1-s_2D_1-v_2D_2"},
		{"briefcase", models.Code{SpecID: "0x1", Scope: "s", Value: "v"}, 5, "0x1-s-v-5"},
		{"space and kept chars", models.Code{SpecID: "0x1", Scope: "a b", Value: "(x),!'"}, 0, "0x1-a~20b-(x),!'"},
		{"tilde and star", models.Code{SpecID: "0x1", Scope: "~", Value: "*"}, 0, "0x1-~7E-~2A"},
		{"slash", models.Code{SpecID: "0x1", Scope: "a/b", Value: ""}, 0, "0x1-a~2Fb-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeObjectID(tt.code, tt.bc))
		})
	}
}

func TestLockObjectID(t *testing.T) {
	id := models.LockableID{Type: models.LockableTypeElement, ObjectID: "0x20"}
	assert.Equal(t, "2-0x20", LockObjectID(id, 0))
	assert.Equal(t, "2-0x20-3", LockObjectID(id, 3))
}

func TestLockInstances_Buckets(t *testing.T) {
	el := func(id string, lvl models.LockLevel) models.Lock {
		return models.Lock{ID: models.LockableID{Type: models.LockableTypeElement, ObjectID: id}, Level: lvl}
	}
	locks := []models.Lock{
		el("a", models.LockLevelExclusive),
		el("b", models.LockLevelShared),
		el("c", models.LockLevelExclusive),
		{ID: models.LockableID{Type: models.LockableTypeDb, ObjectID: "0x1"}, Level: models.LockLevelShared},
	}

	insts := lockInstances(locks, lockRequest{briefcase: 2, masterFileID: "m", releasedWith: "r1"})
	require.Len(t, insts, 3)

	// Ordered by type then level.
	assert.Equal(t, int(models.LockableTypeDb), insts[0].Properties[transport.PropLockType])
	assert.Equal(t, []string{"b"}, insts[1].Properties[transport.PropObjectIDs])
	assert.Equal(t, []string{"a", "c"}, insts[2].Properties[transport.PropObjectIDs])
	assert.Equal(t, int(models.LockLevelExclusive), insts[2].Properties[transport.PropLockLevel])
	assert.Equal(t, "r1", insts[2].Properties[transport.PropReleasedWithChangeSet])
	assert.Equal(t, transport.ClassMultiLock, insts[2].Class)

	t.Run("exclusive only release", func(t *testing.T) {
		insts := lockInstances(locks, lockRequest{briefcase: 2, exclusiveOnly: true, release: true})
		require.Len(t, insts, 1)
		assert.Equal(t, int(models.LockLevelNone), insts[0].Properties[transport.PropLockLevel])
		assert.Equal(t, []string{"a", "c"}, insts[0].Properties[transport.PropObjectIDs])
	})
}

func TestCodeInstances_GroupBySpecAndScope(t *testing.T) {
	codes := []models.Code{
		{SpecID: "0x2", Scope: "s", Value: "1"},
		{SpecID: "0x1", Scope: "s", Value: "1"},
		{SpecID: "0x1", Scope: "s", Value: "2"},
		{SpecID: "0x1", Scope: "t", Value: "1"},
	}
	insts := codeInstances(codes, codeRequest{state: models.CodeStateReserved, briefcase: 4})
	require.Len(t, insts, 3)

	assert.Equal(t, "0x1", insts[0].Properties[transport.PropCodeSpecID])
	assert.Equal(t, "s", insts[0].Properties[transport.PropCodeScope])
	assert.Equal(t, []string{"1", "2"}, insts[0].Properties[transport.PropValues])
	assert.Equal(t, "t", insts[1].Properties[transport.PropCodeScope])
	assert.Equal(t, "0x2", insts[2].Properties[transport.PropCodeSpecID])
	assert.Equal(t, int(models.CodeStateReserved), insts[2].Properties[transport.PropState])
}

func TestLockInstance_RoundTrip(t *testing.T) {
	l := models.Lock{
		ID:                        models.LockableID{Type: models.LockableTypeModel, ObjectID: "0x9"},
		Level:                     models.LockLevelShared,
		BriefcaseID:               3,
		ReleasedWithRevisionID:    "r",
		ReleasedWithRevisionIndex: 4,
	}
	got, err := LockFromInstance(LockInstance(l))
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, err = LockFromInstance(transport.NewInstance(transport.ClassLock, "x", map[string]any{transport.PropLockLevel: 7}))
	require.Error(t, err)
}

func TestCodesFromMultiInstance(t *testing.T) {
	inst := codeInstances([]models.Code{{SpecID: "0x1", Scope: "s", Value: "a"}, {SpecID: "0x1", Scope: "s", Value: "b"}},
		codeRequest{state: models.CodeStateUsed, briefcase: 2, revisionID: "r1"})[0]

	got, err := CodesFromMultiInstance(inst)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.CodeInfo{
		Code:        models.Code{SpecID: "0x1", Scope: "s", Value: "b"},
		State:       models.CodeStateUsed,
		BriefcaseID: 2,
		RevisionID:  "r1",
	}, got[1])
}

func TestLockStates(t *testing.T) {
	id := models.LockableID{Type: models.LockableTypeElement, ObjectID: "e"}
	states := lockStates([]models.Lock{
		{ID: id, Level: models.LockLevelShared, BriefcaseID: 2},
		{ID: id, Level: models.LockLevelShared, BriefcaseID: 3, ReleasedWithRevisionID: "r"},
		{ID: models.LockableID{Type: models.LockableTypeElement, ObjectID: "f"}, Level: models.LockLevelExclusive, BriefcaseID: 4},
	})
	require.Len(t, states, 2)
	assert.Equal(t, []models.BriefcaseID{2, 3}, states[0].SharedOwners)
	assert.Equal(t, "r", states[0].ReleasedWithRevisionID)
	assert.Equal(t, models.BriefcaseID(4), states[1].ExclusiveOwner)
	assert.True(t, states[1].Conflicts(2, models.LockLevelShared))
	assert.False(t, states[0].Conflicts(5, models.LockLevelShared))
	assert.True(t, states[0].Conflicts(2, models.LockLevelExclusive))
}
