// Package elements persists the content rows of a briefcase.
//
// Rows are written either by local edits, which the local store also records
// as pending changes, or by merging remote revisions. The SQLite
// implementation runs over a dbx.DBTX, so the same repository serves plain
// connections and transactions.
package elements
