package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if dbx.IsNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata %s: %w", key, dbx.MapError(err))
	}
	return value.String, true, nil
}

func (r *SQLiteRepository) SetMany(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(pairs))

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, pairs[k])
	}
	rows := strings.TrimSuffix(strings.Repeat("(?, ?), ", len(keys)), ", ")

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES `+rows+`
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, args...)
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", strings.Join(keys, ","), dbx.MapError(err))
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, dbx.MapError(err))
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM metadata WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", dbx.MapError(err))
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		out[strings.TrimPrefix(key, prefix)] = value.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metadata: %w", dbx.MapError(err))
	}
	return out, nil
}
