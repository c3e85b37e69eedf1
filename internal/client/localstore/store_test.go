package localstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/cryptox"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.bim"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func trackedStore(t *testing.T) *Store {
	t.Helper()
	s := openStore(t)
	require.NoError(t, s.ChangeBriefcaseID(context.Background(), 2))
	return s
}

func TestOpen_FreshBriefcase(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.BriefcaseID(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.InvalidBriefcaseID, id)

	parent, err := s.ParentRevisionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, parent)

	ro, err := s.IsReadOnly(ctx)
	require.NoError(t, err)
	assert.False(t, ro)

	assert.DirExists(t, s.WorkDir())
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db))
	require.NoError(t, RunMigrations(ctx, db))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='pending_changes'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunMigrations_Error(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return assert.AnError
	}

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.bim"), Options{})
	require.ErrorIs(t, err, assert.AnError)
}

func TestChangeBriefcaseID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, id := range []models.BriefcaseID{models.InvalidBriefcaseID, models.StandaloneBriefcaseID, -3} {
		require.ErrorIs(t, s.ChangeBriefcaseID(ctx, id), common.ErrInvalidBriefcase)
	}

	require.NoError(t, s.ChangeBriefcaseID(ctx, 7))
	id, err := s.BriefcaseID(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.BriefcaseID(7), id)

	tracking, err := s.IsTrackingEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, tracking)
}

func TestEdits_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("tracking disabled", func(t *testing.T) {
		s := openStore(t)
		require.ErrorIs(t, s.SetElement(ctx, "e1", "v"), common.ErrTrackingNotEnabled)
	})

	t.Run("read only", func(t *testing.T) {
		s := trackedStore(t)
		require.NoError(t, s.SetReadOnly(ctx, true))
		require.ErrorIs(t, s.SetElement(ctx, "e1", "v"), common.ErrBriefcaseIsReadOnly)
		require.ErrorIs(t, s.AssignCode(ctx, models.Code{SpecID: "s", Scope: "x", Value: "1"}), common.ErrBriefcaseIsReadOnly)
	})
}

func TestLocalValues(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v, err := s.LocalValue(ctx, LocalValueServerURL)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SaveLocalValue(ctx, LocalValueServerURL, "https://hub"))
	v, err = s.LocalValue(ctx, LocalValueServerURL)
	require.NoError(t, err)
	assert.Equal(t, "https://hub", v)

	require.NoError(t, s.SaveLocalValue(ctx, LocalValueRepositoryID, "repo-1"))
	all, err := s.LocalValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{LocalValueServerURL: "https://hub", LocalValueRepositoryID: "repo-1"}, all)
}

func TestStartCreateRevision_NothingPending(t *testing.T) {
	s := trackedStore(t)
	rev, err := s.StartCreateRevision(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rev)
}

func TestCreateRevision_Finish(t *testing.T) {
	s := trackedStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetMasterFileID(ctx, "master"))

	require.NoError(t, s.SetElement(ctx, "e1", "one"))
	require.NoError(t, s.SetElement(ctx, "e2", "two"))
	require.NoError(t, s.DeleteElement(ctx, "e2"))
	require.NoError(t, s.SetElement(ctx, SchemaElementPrefix+"Widget", "v2"))
	require.NoError(t, s.AssignCode(ctx, models.Code{SpecID: "0x1", Scope: "s", Value: "A"}))
	require.NoError(t, s.DiscardCode(ctx, models.Code{SpecID: "0x1", Scope: "s", Value: "B"}))

	rev, err := s.StartCreateRevision(ctx)
	require.NoError(t, err)
	require.NotNil(t, rev)

	assert.Empty(t, rev.ParentID)
	assert.Equal(t, int64(1), rev.Index)
	assert.Equal(t, "master", rev.MasterFileID)
	assert.Equal(t, models.BriefcaseID(2), rev.BriefcaseID)
	assert.True(t, rev.ContainsSchemaChanges)
	assert.Len(t, rev.UsedLocks, 3)
	assert.Equal(t, []models.Code{{SpecID: "0x1", Scope: "s", Value: "A"}}, rev.AssignedCodes)
	assert.Equal(t, []models.Code{{SpecID: "0x1", Scope: "s", Value: "B"}}, rev.DiscardedCodes)
	require.NoError(t, cryptox.VerifyFile(rev.ChangesFile, rev.ID))

	_, err = s.StartCreateRevision(ctx)
	require.ErrorIs(t, err, ErrRevisionInProgress)

	// Edits after staging belong to the next revision.
	require.NoError(t, s.SetElement(ctx, "e3", "three"))

	require.NoError(t, s.FinishCreateRevision(ctx))
	assert.NoFileExists(t, rev.ChangesFile)

	parent, err := s.ParentRevisionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, parent)

	last, err := s.LocalValue(ctx, LocalValueLastMergedRevisionID)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, last)

	pending, err := s.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e3", pending[0].ElementID)

	next, err := s.StartCreateRevision(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, rev.ID, next.ParentID)
	assert.Equal(t, int64(2), next.Index)
}

func TestCreateRevision_Abandon(t *testing.T) {
	s := trackedStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetElement(ctx, "e1", "one"))

	rev, err := s.StartCreateRevision(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AbandonCreateRevision(ctx))
	assert.NoFileExists(t, rev.ChangesFile)

	parent, err := s.ParentRevisionID(ctx)
	require.NoError(t, err)
	assert.Empty(t, parent)

	has, err := s.HasPendingChanges(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	// Abandoning twice is harmless.
	require.NoError(t, s.AbandonCreateRevision(ctx))
	require.Error(t, s.FinishCreateRevision(ctx))
}

func TestStagedRevision(t *testing.T) {
	s := trackedStore(t)
	ctx := context.Background()
	assert.Nil(t, s.StagedRevision())

	require.NoError(t, s.SetElement(ctx, "e1", "one"))
	rev, err := s.StartCreateRevision(ctx)
	require.NoError(t, err)

	got := s.StagedRevision()
	require.NotNil(t, got)
	assert.Equal(t, rev.ID, got.ID)

	// The copy does not alias the staged revision.
	got.Description = "changed"
	assert.Empty(t, s.StagedRevision().Description)

	require.NoError(t, s.FinishCreateRevision(ctx))
	assert.Nil(t, s.StagedRevision())
}

func TestClose_MarksStoreClosed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.bim"), Options{})
	require.NoError(t, err)
	assert.True(t, s.IsOpen())

	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	require.NoError(t, s.Close())
}

// stage creates a revision in src and returns it with its file copied
// somewhere src will not delete it.
func stage(t *testing.T, src *Store, edits func(s *Store)) *models.Revision {
	t.Helper()
	ctx := context.Background()
	edits(src)

	rev, err := src.StartCreateRevision(ctx)
	require.NoError(t, err)
	require.NotNil(t, rev)

	b, err := os.ReadFile(rev.ChangesFile)
	require.NoError(t, err)
	keep := filepath.Join(t.TempDir(), rev.ID)
	require.NoError(t, os.WriteFile(keep, b, 0o600))

	require.NoError(t, src.FinishCreateRevision(ctx))
	out := *rev
	out.ChangesFile = keep
	return &out
}

func TestMergeRevision(t *testing.T) {
	ctx := context.Background()
	src := trackedStore(t)
	dst := trackedStore(t)

	r1 := stage(t, src, func(s *Store) {
		require.NoError(t, s.SetElement(ctx, "a", "1"))
		require.NoError(t, s.SetElement(ctx, "b", "1"))
	})
	r2 := stage(t, src, func(s *Store) {
		require.NoError(t, s.DeleteElement(ctx, "a"))
		require.NoError(t, s.SetElement(ctx, "b", "2"))
	})

	t.Run("out of order", func(t *testing.T) {
		err := dst.MergeRevision(ctx, r2)
		require.ErrorIs(t, err, common.ErrRevisionParentMismatch)
	})

	require.NoError(t, dst.MergeRevision(ctx, r1))
	v, ok, err := dst.Element(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	// A local edit wins over the incoming one.
	require.NoError(t, dst.SetElement(ctx, "b", "local"))
	require.NoError(t, dst.MergeRevision(ctx, r2))

	els, err := dst.Elements(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Element{{ID: "b", Value: "local"}}, els)

	parent, err := dst.ParentRevisionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, parent)

	merged, err := dst.MergedRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, r1.ID, merged[0].ID)
	assert.Equal(t, r2.ID, merged[1].ID)
}

func TestMergeRevision_LeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	src := trackedStore(t)
	r1 := stage(t, src, func(s *Store) { require.NoError(t, s.SetElement(ctx, "a", "1")) })

	t.Run("corrupted file", func(t *testing.T) {
		dst := trackedStore(t)
		bad := *r1
		bad.ChangesFile = filepath.Join(t.TempDir(), "bad")
		require.NoError(t, os.WriteFile(bad.ChangesFile, []byte("{not json"), 0o600))

		require.ErrorIs(t, dst.MergeRevision(ctx, &bad), common.ErrRevisionCorrupted)
		parent, err := dst.ParentRevisionID(ctx)
		require.NoError(t, err)
		assert.Empty(t, parent)
	})

	t.Run("cancelled", func(t *testing.T) {
		dst := trackedStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		require.ErrorIs(t, dst.MergeRevision(cctx, r1), context.Canceled)
		els, err := dst.Elements(ctx)
		require.NoError(t, err)
		assert.Empty(t, els)
	})
}
