package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/netx"
)

// MergeError reports the revision a merge stopped at. Revisions before it
// were applied; the briefcase must pull again before merging further.
type MergeError struct {
	RevisionID string
	Index      int64
	Err        error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge revision %s (index %d): %v", e.RevisionID, e.Index, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

func (e *Engine) checkConnected() error {
	if e == nil || e.transport == nil {
		return common.ErrInvalidRepositoryConnection
	}
	return nil
}

// checkStore verifies a briefcase can take part in sync.
func checkStore(ctx context.Context, store LocalStore) error {
	if store == nil || !store.IsOpen() {
		return common.ErrFileNotFound
	}
	ro, err := store.IsReadOnly(ctx)
	if err != nil {
		return err
	}
	if ro {
		return common.ErrBriefcaseIsReadOnly
	}
	return nil
}

// PullRevisions returns the downloaded revisions of masterFileID that follow
// lastKnownID, ordered by index. An empty lastKnownID pulls from the start.
func (e *Engine) PullRevisions(ctx context.Context, lastKnownID, masterFileID string, progress netx.ProgressFunc) ([]*models.Revision, error) {
	if err := e.checkConnected(); err != nil {
		return nil, err
	}
	revs, err := e.GetRevisionsAfterID(ctx, lastKnownID, masterFileID, e.blobs != nil)
	if err != nil {
		return nil, err
	}
	if err := e.DownloadRevisions(ctx, revs, progress); err != nil {
		return nil, err
	}
	return revs, nil
}

// Pull downloads the revisions the briefcase has not merged yet.
func (e *Engine) Pull(ctx context.Context, store LocalStore, progress netx.ProgressFunc) (revs []*models.Revision, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "pull", start, err, "revisions", len(revs)) }()

	if err := checkStore(ctx, store); err != nil {
		return nil, err
	}
	if err := e.checkConnected(); err != nil {
		return nil, err
	}
	if err := e.reconcileStaged(ctx, store); err != nil {
		return nil, err
	}

	parent, err := store.ParentRevisionID(ctx)
	if err != nil {
		return nil, err
	}
	master, err := store.MasterFileID(ctx)
	if err != nil {
		return nil, err
	}
	return e.PullRevisions(ctx, parent, master, progress)
}

// Merge applies revs to store in ascending index order and stops at the
// first failure. An empty list is a no-op.
func (e *Engine) Merge(ctx context.Context, store LocalStore, revs []*models.Revision) (err error) {
	if len(revs) == 0 {
		return nil
	}
	if store == nil || !store.IsOpen() {
		return common.ErrFileNotFound
	}

	start := time.Now()
	defer func() { e.observe(ctx, "merge", start, err, "revisions", len(revs)) }()

	sorted := make([]*models.Revision, len(revs))
	copy(sorted, revs)
	models.SortRevisions(sorted)

	for i, rev := range sorted {
		if i > 0 && rev.ParentID != sorted[i-1].ID {
			return &MergeError{RevisionID: rev.ID, Index: rev.Index, Err: common.ErrRevisionParentMismatch}
		}
		if err := ctx.Err(); err != nil {
			return &MergeError{RevisionID: rev.ID, Index: rev.Index, Err: err}
		}
		if err := store.MergeRevision(ctx, rev); err != nil {
			return &MergeError{RevisionID: rev.ID, Index: rev.Index, Err: err}
		}
		e.logger.Debug(ctx, "revision merged", "revision", rev.ID, "index", rev.Index)
	}
	return nil
}

// PullAndMerge pulls and merges. A failed pull merges nothing.
func (e *Engine) PullAndMerge(ctx context.Context, store LocalStore, progress netx.ProgressFunc) ([]*models.Revision, error) {
	revs, err := e.Pull(ctx, store, progress)
	if err != nil {
		return nil, err
	}
	if err := e.Merge(ctx, store, revs); err != nil {
		return nil, err
	}
	return revs, nil
}

// PullMergeAndPush brings the briefcase up to date and pushes its pending
// changes, retrying the whole sequence on contention. It returns every
// revision merged across all attempts.
func (e *Engine) PullMergeAndPush(ctx context.Context, store LocalStore, opts PushOptions) (merged []*models.Revision, err error) {
	start := time.Now()
	defer func() { e.observe(ctx, "pull_merge_push", start, err, "revisions", len(merged)) }()

	policy := e.cfg.Policy
	if opts.Attempts > 0 {
		policy.MaxAttempts = opts.Attempts
	}

	notify := func(failed int, delay time.Duration, cause error) {
		metrics.SyncRetries.Inc()
		e.logger.Warn(ctx, "sync attempt failed, retrying",
			"attempt", failed, "delay_ms", delay.Milliseconds(), "error", cause)
	}

	err = policy.Run(ctx, func(ctx context.Context, attempt int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		revs, err := e.PullAndMerge(ctx, store, opts.DownloadProgress)
		merged = append(merged, revs...)
		if err != nil {
			return err
		}
		return e.Push(ctx, store, opts)
	}, notify)
	return merged, err
}
