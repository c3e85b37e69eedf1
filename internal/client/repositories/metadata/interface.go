// Package metadata stores the briefcase key/value pairs: briefcase id,
// parent revision, read-only flag and the local values saved by sync.
package metadata

import (
	"context"
)

type Repository interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetMany upserts all pairs in one statement.
	SetMany(ctx context.Context, pairs map[string]string) error
	Delete(ctx context.Context, key string) error
	// List returns the pairs whose key starts with prefix, with the prefix
	// stripped.
	List(ctx context.Context, prefix string) (map[string]string, error)
}
