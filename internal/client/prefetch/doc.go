// Package prefetch keeps a disk cache of revision files downloaded ahead
// of time, usually as soon as a push event announces a revision.
//
// The cache directory may be shared by several client processes. Every
// operation on a revision holds an exclusive lock file, <id>.rev.lock, created
// with O_EXCL; a lock file older than the stale threshold is considered
// abandoned and is removed.
package prefetch
