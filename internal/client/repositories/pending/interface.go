// Package pending records local changes that were not pushed yet: element
// edits and code usage. Changes are ordered by a store-assigned sequence;
// staging a revision captures everything up to a sequence number so edits
// made while a push is in flight are kept for the next one.
package pending

import (
	"context"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
)

type Repository interface {
	// Add records c and returns its sequence number.
	Add(ctx context.Context, c models.Change) (int64, error)

	// List returns changes with Seq <= upTo in order. upTo <= 0 means all.
	List(ctx context.Context, upTo int64) ([]models.Change, error)

	// LastSeq returns the highest sequence number, or 0.
	LastSeq(ctx context.Context) (int64, error)

	// DeleteUpTo removes changes with Seq <= upTo.
	DeleteUpTo(ctx context.Context, upTo int64) error

	// ElementIDs returns ids of elements with pending edits.
	ElementIDs(ctx context.Context) (map[string]bool, error)
}
