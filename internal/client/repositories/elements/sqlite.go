package elements

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/dbx"
)

// SQLiteRepository implements Repository over a DBTX.
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a repository bound to db.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, e models.Element) error {
	query := `INSERT INTO elements (id, value) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET value = excluded.value`
	if _, err := r.db.ExecContext(ctx, query, e.ID, e.Value); err != nil {
		return fmt.Errorf("failed to upsert element: %w", dbx.MapError(err))
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM elements WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete element: %w", dbx.MapError(err))
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Element, error) {
	e := &models.Element{}
	err := r.db.QueryRowContext(ctx, `SELECT id, value FROM elements WHERE id = ?`, id).Scan(&e.ID, &e.Value)
	if dbx.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get element: %w", dbx.MapError(err))
	}
	return e, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.Element, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, value FROM elements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select elements: %w", dbx.MapError(err))
	}
	defer rows.Close()

	var result []models.Element
	for rows.Next() {
		var e models.Element
		if err := rows.Scan(&e.ID, &e.Value); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
