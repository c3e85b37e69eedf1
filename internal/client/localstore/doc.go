// Package localstore is the SQLite-backed briefcase: one local copy of the
// shared database plus the bookkeeping sync needs.
//
// A briefcase keeps its id, the revision it is based on, a read-only flag,
// its content rows and the list of local changes not yet pushed. Staging a
// revision serializes pending changes into a revision file whose id is the
// blake2b-160 digest of its content. Finishing the revision drops the
// staged changes and moves the parent pointer; abandoning it leaves the
// briefcase exactly as it was. Merging applies a downloaded revision on top
// of the current parent inside one transaction.
//
// A Store is single-writer: callers must not merge and push concurrently.
package localstore
