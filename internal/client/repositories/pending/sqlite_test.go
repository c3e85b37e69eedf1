package pending

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE pending_changes (
  seq        INTEGER PRIMARY KEY AUTOINCREMENT,
  kind       TEXT NOT NULL,
  element_id TEXT,
  op         TEXT NOT NULL DEFAULT '',
  value      TEXT,
  code_spec  TEXT,
  code_scope TEXT,
  code_value TEXT,
  code_state INTEGER NOT NULL DEFAULT 0
);`)
	require.NoError(t, err)
	return db
}

func TestAddAndList(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	s1, err := r.Add(ctx, models.Change{Kind: models.ChangeKindElement, ElementID: "e1", Op: models.ChangeOpSet, Value: "v"})
	require.NoError(t, err)
	s2, err := r.Add(ctx, models.Change{
		Kind:      models.ChangeKindCode,
		Code:      models.Code{SpecID: "0x1", Scope: "s", Value: "c-1"},
		CodeState: models.CodeStateUsed,
	})
	require.NoError(t, err)
	assert.Less(t, s1, s2)

	all, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].ElementID)
	assert.Equal(t, models.ChangeOpSet, all[0].Op)
	assert.Equal(t, models.CodeStateUsed, all[1].CodeState)
	assert.Equal(t, "c-1", all[1].Code.Value)

	first, err := r.List(ctx, s1)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	last, err := r.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, s2, last)
}

func TestDeleteUpTo_KeepsLaterChanges(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	ctx := context.Background()

	s1, err := r.Add(ctx, models.Change{Kind: models.ChangeKindElement, ElementID: "a", Op: models.ChangeOpSet})
	require.NoError(t, err)
	_, err = r.Add(ctx, models.Change{Kind: models.ChangeKindElement, ElementID: "b", Op: models.ChangeOpDelete})
	require.NoError(t, err)

	require.NoError(t, r.DeleteUpTo(ctx, s1))

	ids, err := r.ElementIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true}, ids)
}

func TestLastSeq_Empty(t *testing.T) {
	r := NewSQLiteRepository(setupDB(t))
	seq, err := r.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
}
