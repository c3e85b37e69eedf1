package pending

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Add(ctx context.Context, c models.Change) (int64, error) {
	query := `INSERT INTO pending_changes
			(kind, element_id, op, value, code_spec, code_scope, code_value, code_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, string(c.Kind), c.ElementID, string(c.Op), c.Value,
		c.Code.SpecID, c.Code.Scope, c.Code.Value, int(c.CodeState))
	if err != nil {
		return 0, fmt.Errorf("failed to add pending change: %w", dbx.MapError(err))
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending change seq: %w", err)
	}
	return seq, nil
}

func (r *SQLiteRepository) List(ctx context.Context, upTo int64) ([]models.Change, error) {
	query := `SELECT seq, kind, element_id, op, value, code_spec, code_scope, code_value, code_state
			FROM pending_changes WHERE (? <= 0 OR seq <= ?) ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, upTo, upTo)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending changes: %w", dbx.MapError(err))
	}
	defer rows.Close()

	var result []models.Change
	for rows.Next() {
		var (
			c         models.Change
			kind, op  string
			codeState int
			elementID sql.NullString
			value     sql.NullString
			spec      sql.NullString
			scope     sql.NullString
			codeValue sql.NullString
		)
		if err := rows.Scan(&c.Seq, &kind, &elementID, &op, &value, &spec, &scope, &codeValue, &codeState); err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		c.Kind = models.ChangeKind(kind)
		c.Op = models.ChangeOp(op)
		c.ElementID = elementID.String
		c.Value = value.String
		c.Code = models.Code{SpecID: spec.String, Scope: scope.String, Value: codeValue.String}
		c.CodeState = models.CodeState(codeState)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM pending_changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get last pending seq: %w", dbx.MapError(err))
	}
	return seq.Int64, nil
}

func (r *SQLiteRepository) DeleteUpTo(ctx context.Context, upTo int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE seq <= ?`, upTo); err != nil {
		return fmt.Errorf("failed to delete pending changes: %w", dbx.MapError(err))
	}
	return nil
}

func (r *SQLiteRepository) ElementIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT element_id FROM pending_changes WHERE kind = ?`, string(models.ChangeKindElement))
	if err != nil {
		return nil, fmt.Errorf("failed to select pending element ids: %w", dbx.MapError(err))
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
