package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/reservation"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/netx"
)

// PushOptions configure Push and PullMergeAndPush.
type PushOptions struct {
	Description string

	// Relinquish releases every lock and reserved code of the briefcase
	// together with the pushed revision.
	Relinquish bool

	UploadProgress   netx.ProgressFunc
	DownloadProgress netx.ProgressFunc

	// Attempts overrides the policy attempt count of PullMergeAndPush.
	Attempts int
}

// Push sends the pending changes of store as one revision. Without pending
// changes it does nothing. A failure before the hub may have accepted the
// revision abandons it and leaves the store as it was. Otherwise the error
// wraps common.ErrRevisionNotCommitted and the revision stays staged until
// the next Pull or Push reconciles it with the hub.
func (e *Engine) Push(ctx context.Context, store LocalStore, opts PushOptions) (err error) {
	if err := checkStore(ctx, store); err != nil {
		return err
	}
	if err := e.checkConnected(); err != nil {
		return err
	}
	if err := e.reconcileStaged(ctx, store); err != nil {
		return err
	}
	bc, err := store.BriefcaseID(ctx)
	if err != nil {
		return err
	}
	if !bc.IsValid() {
		return common.ErrInvalidBriefcase
	}

	rev, err := store.StartCreateRevision(ctx)
	if err != nil {
		return err
	}
	if rev == nil {
		e.logger.Debug(ctx, "nothing to push")
		return nil
	}
	rev.Description = opts.Description

	start := time.Now()
	sent := false
	defer func() {
		if err != nil && !sent {
			if aerr := store.AbandonCreateRevision(context.WithoutCancel(ctx)); aerr != nil {
				e.logger.Error(ctx, "abandon revision", "revision", rev.ID, "error", aerr)
			}
		}
		e.observe(ctx, "push", start, err, "revision", rev.ID, "index", rev.Index)
	}()

	key, err := e.createRevision(ctx, rev)
	if err != nil {
		return err
	}
	if err := e.uploadRevision(ctx, rev, key, opts.UploadProgress); err != nil {
		return err
	}
	if err := e.initializeRevision(ctx, rev, opts.Relinquish); err != nil {
		if common.KindOf(err) == common.KindCancelled || common.IsTransient(err) {
			sent = true
			return fmt.Errorf("%w: %w", common.ErrRevisionNotCommitted, err)
		}
		return err
	}

	sent = true
	if err := store.FinishCreateRevision(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("%w: revision %s: %w", common.ErrRevisionNotCommitted, rev.ID, err)
	}

	rev.PushDate = time.Now().UTC()
	e.remember(rev)
	return nil
}

// reconcileStaged settles a revision left staged by a push that did not
// commit locally. The hub lists only initialized revisions, so a listed one
// is committed and any other is abandoned.
func (e *Engine) reconcileStaged(ctx context.Context, store LocalStore) error {
	rev := store.StagedRevision()
	if rev == nil {
		return nil
	}

	_, err := e.GetRevisionByID(ctx, rev.ID)
	switch {
	case err == nil:
		if err := store.FinishCreateRevision(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("%w: revision %s: %w", common.ErrRevisionNotCommitted, rev.ID, err)
		}
		e.logger.Info(ctx, "staged revision committed", "revision", rev.ID)
		return nil
	case errors.Is(err, common.ErrChangeSetDoesNotExist):
		e.logger.Warn(ctx, "staged revision unknown to hub, abandoning", "revision", rev.ID)
		return store.AbandonCreateRevision(ctx)
	default:
		return fmt.Errorf("reconcile revision %s: %w", rev.ID, err)
	}
}

// createRevision registers rev and returns its upload access key, if the
// repository handed one out.
func (e *Engine) createRevision(ctx context.Context, rev *models.Revision) (string, error) {
	containing := 0
	if rev.ContainsSchemaChanges {
		containing = 1
	}
	inst := transport.NewInstance(transport.ClassChangeSet, rev.ID, map[string]any{
		transport.PropID:                rev.ID,
		transport.PropDescription:       rev.Description,
		transport.PropFileSize:          rev.FileSize,
		transport.PropParentID:          rev.ParentID,
		transport.PropSeedFileID:        rev.MasterFileID,
		transport.PropBriefcaseID:       int(rev.BriefcaseID),
		transport.PropIsUploaded:        false,
		transport.PropContainingChanges: containing,
	})
	inst.Related = map[string]transport.Instance{
		transport.RelFileAccessKey: transport.NewInstance(transport.ClassAccessKey, "", nil),
	}

	created, err := e.transport.CreateObject(ctx, inst)
	if err != nil {
		return "", fmt.Errorf("create revision %s: %w", rev.ID, err)
	}
	if idx := created.Int(transport.PropIndex); idx > 0 {
		rev.Index = idx
	}
	return created.AccessKey(), nil
}

func (e *Engine) uploadRevision(ctx context.Context, rev *models.Revision, key string, progress netx.ProgressFunc) error {
	var err error
	channel := "transport"
	if key != "" && e.blobs != nil {
		channel = "blob"
		err = e.blobs.Upload(ctx, key, rev.ChangesFile, progress)
	} else {
		err = e.transport.UploadFile(ctx, transport.NewObjectID(transport.ClassChangeSet, rev.ID), rev.ChangesFile, progress)
	}
	if err != nil {
		return fmt.Errorf("upload revision %s: %w", rev.ID, err)
	}
	if channel != "blob" {
		if size, err := filex.FileSize(rev.ChangesFile); err == nil {
			metrics.TransferBytes.WithLabelValues("up", channel).Add(float64(size))
		}
	}
	return nil
}

// initChangeset marks rev uploaded and releases what it used.
func initChangeset(rev *models.Revision, relinquish bool) transport.Changeset {
	var cs transport.Changeset
	cs.Add(transport.ChangeModified, transport.NewInstance(transport.ClassChangeSet, rev.ID, map[string]any{
		transport.PropID:          rev.ID,
		transport.PropBriefcaseID: int(rev.BriefcaseID),
		transport.PropIsUploaded:  true,
	}))
	reservation.AppendRevisionRelease(&cs, rev)
	if relinquish {
		reservation.AppendRelinquish(&cs, rev.BriefcaseID)
	}
	cs.Options.EmptyResponse = true
	return cs
}

// initializeRevision sends the initialize batch. If the authority no longer
// knows a lock or code the revision used, they are acquired again and the
// batch is sent once more.
func (e *Engine) initializeRevision(ctx context.Context, rev *models.Revision, relinquish bool) error {
	cs := initChangeset(rev, relinquish)
	_, err := e.transport.SendChangeset(ctx, cs)
	if err == nil {
		return nil
	}
	if common.KindOf(err) != common.KindNotFoundOnRetry || e.reservations == nil {
		return fmt.Errorf("initialize revision %s: %w", rev.ID, err)
	}

	e.logger.Warn(ctx, "revision resources missing, acquiring again", "revision", rev.ID, "error", err)
	codes := make([]models.Code, 0, len(rev.AssignedCodes)+len(rev.DiscardedCodes))
	codes = append(codes, rev.AssignedCodes...)
	codes = append(codes, rev.DiscardedCodes...)
	if aerr := e.reservations.AcquireCodesLocks(ctx, rev.UsedLocks, codes,
		rev.BriefcaseID, rev.MasterFileID, rev.ParentID); aerr != nil {
		return fmt.Errorf("initialize revision %s: %w", rev.ID, errors.Join(err, aerr))
	}

	if _, err := e.transport.SendChangeset(ctx, cs); err != nil {
		return fmt.Errorf("initialize revision %s: %w", rev.ID, err)
	}
	return nil
}
