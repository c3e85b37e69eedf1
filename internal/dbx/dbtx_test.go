package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func insertElement(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO elements(id, value) VALUES (?, ?)`, "wall-1", "v1")
	return err
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO elements`).WithArgs("wall-1", "v1").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, WithTx(ctx, db, nil, insertElement))
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO elements`).WillReturnError(errors.New("constraint"))
		mock.ExpectRollback()

		assert.EqualError(t, WithTx(ctx, db, nil, insertElement), "constraint")
	})

	t.Run("rolls back and repanics", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.PanicsWithValue(t, "kaput", func() {
			_ = WithTx(ctx, db, nil, func(context.Context, DBTX) error { panic("kaput") })
		})
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin().WillReturnError(errors.New("no conn"))

		called := false
		err := WithTx(ctx, db, nil, func(context.Context, DBTX) error { called = true; return nil })
		assert.EqualError(t, err, "no conn")
		assert.False(t, called)
	})

	t.Run("commit failure is returned", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("disk full"))

		assert.EqualError(t, WithTx(ctx, db, nil, func(context.Context, DBTX) error { return nil }), "disk full")
	})
}

func TestWithTx_SQLiteConn(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file:dbx_"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE elements (id TEXT PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WithTx(ctx, conn, nil, insertElement))

	var v string
	require.NoError(t, db.QueryRow(`SELECT value FROM elements WHERE id = 'wall-1'`).Scan(&v))
	assert.Equal(t, "v1", v)

	err = db.QueryRow(`SELECT value FROM elements WHERE id = 'door-9'`).Scan(&v)
	assert.True(t, IsNoRows(err))
}

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil))

	plain := errors.New("boom")
	assert.Same(t, plain, MapError(plain))

	locked := fmt.Errorf("save: %w", common.ErrDatabaseTemporarilyLocked)
	assert.Same(t, locked, MapError(locked))
	assert.True(t, errors.Is(MapError(locked), common.ErrDatabaseTemporarilyLocked))
}

func TestIsNoRows(t *testing.T) {
	assert.True(t, IsNoRows(fmt.Errorf("element: %w", sql.ErrNoRows)))
	assert.False(t, IsNoRows(errors.New("other")))
}
