package elements

import (
	"context"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
)

// Repository describes element storage.
type Repository interface {
	// Upsert inserts or replaces the element.
	Upsert(ctx context.Context, e models.Element) error

	// Delete removes the element; a missing element is not an error.
	Delete(ctx context.Context, id string) error

	// Get returns the element or nil when it does not exist.
	Get(ctx context.Context, id string) (*models.Element, error)

	// List returns all elements ordered by id.
	List(ctx context.Context) ([]models.Element, error)
}
