package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/cryptox"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"golang.org/x/sync/errgroup"
)

// RevisionFileName is the name of a downloaded revision file.
func RevisionFileName(id string) string {
	return id + ".rev"
}

func revisionFromInstance(i transport.Instance) *models.Revision {
	id := i.Str(transport.PropID)
	if id == "" {
		id = i.ID
	}
	return &models.Revision{
		ID:                    id,
		ParentID:              i.Str(transport.PropParentID),
		Index:                 i.Int(transport.PropIndex),
		MasterFileID:          i.Str(transport.PropSeedFileID),
		BriefcaseID:           models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
		Description:           i.Str(transport.PropDescription),
		FileSize:              i.Int(transport.PropFileSize),
		ContainsSchemaChanges: i.Int(transport.PropContainingChanges) != 0,
		PushDate:              i.Time(transport.PropPushDate),
		UserCreated:           i.Str(transport.PropUserCreated),
		FileAccessKey:         i.AccessKey(),
	}
}

// remember caches the immutable part of rev.
func (e *Engine) remember(rev *models.Revision) {
	c := *rev
	c.FileAccessKey = ""
	c.ChangesFile = ""
	c.UsedLocks, c.AssignedCodes, c.DiscardedCodes = nil, nil, nil
	e.revisions.Add(c.ID, c)
}

// GetRevisionByID returns the metadata of a pushed revision.
func (e *Engine) GetRevisionByID(ctx context.Context, id string) (*models.Revision, error) {
	if id == "" {
		return nil, common.ErrInvalidChangeSet
	}
	if rev, ok := e.revisions.Get(id); ok {
		metrics.RevisionCache.WithLabelValues("hit").Inc()
		return &rev, nil
	}
	metrics.RevisionCache.WithLabelValues("miss").Inc()

	q := transport.NewQuery(transport.ClassChangeSet)
	q.Filter = transport.Eq(transport.PropID, id)
	insts, err := e.transport.QueryObjects(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query revision %s: %w", id, err)
	}
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: %s", common.ErrChangeSetDoesNotExist, id)
	}
	rev := revisionFromInstance(insts[0])
	e.remember(rev)
	return rev, nil
}

// GetRevisionsAfterID returns the revisions of masterFileID that follow
// id, ordered by index. An empty id means from the beginning. With
// withAccessKey each revision carries a download access key.
func (e *Engine) GetRevisionsAfterID(ctx context.Context, id, masterFileID string, withAccessKey bool) ([]*models.Revision, error) {
	if id != "" {
		if _, err := e.GetRevisionByID(ctx, id); err != nil {
			return nil, err
		}
	}

	q := transport.NewQuery(transport.ClassChangeSet)
	var after, master transport.Expr
	if id != "" {
		after = transport.Eq(transport.PropFollowingChangeSet, id)
	}
	if masterFileID != "" {
		master = transport.Eq(transport.PropSeedFileID, masterFileID)
	}
	q.Filter = transport.And(after, master)
	if withAccessKey {
		q.Select = transport.SelectDownloadKey
	}

	insts, err := e.transport.QueryObjects(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query revisions after %q: %w", id, err)
	}
	revs := make([]*models.Revision, 0, len(insts))
	for _, i := range insts {
		rev := revisionFromInstance(i)
		e.remember(rev)
		revs = append(revs, rev)
	}
	models.SortRevisions(revs)
	return revs, nil
}

// DownloadRevisions fetches the files of revs into the download directory
// and sets each ChangesFile. progress is reported per revision.
func (e *Engine) DownloadRevisions(ctx context.Context, revs []*models.Revision, progress netx.ProgressFunc) error {
	if len(revs) == 0 {
		return nil
	}
	dir, err := filex.EnsureDir(e.cfg.DownloadDir)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentDownloads)
	for _, rev := range revs {
		g.Go(func() error {
			return e.downloadRevision(gctx, dir, rev, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	models.SortRevisions(revs)
	return nil
}

func (e *Engine) downloadRevision(ctx context.Context, dir string, rev *models.Revision, progress netx.ProgressFunc) error {
	path := filepath.Join(dir, RevisionFileName(rev.ID))

	if filex.Exists(path) {
		if cryptox.VerifyFile(path, rev.ID) == nil {
			rev.ChangesFile = path
			return nil
		}
		_ = os.Remove(path)
	}

	channel := "prefetch"
	if !e.claim(ctx, path, rev.ID) {
		var err error
		if channel, err = e.fetch(ctx, rev, path, progress); err != nil {
			return err
		}
	}

	if err := cryptox.VerifyFile(path, rev.ID); err != nil {
		_ = os.Remove(path)
		return err
	}
	if channel != "blob" {
		if size, err := filex.FileSize(path); err == nil {
			metrics.TransferBytes.WithLabelValues("down", channel).Add(float64(size))
		}
	}
	rev.ChangesFile = path
	e.logger.Debug(ctx, "revision downloaded", "revision", rev.ID, "channel", channel)
	return nil
}

// fetch downloads the file of rev to path through its access key or the
// transport and returns the channel used.
func (e *Engine) fetch(ctx context.Context, rev *models.Revision, path string, progress netx.ProgressFunc) (string, error) {
	if rev.FileAccessKey != "" && e.blobs != nil {
		if err := e.blobs.Download(ctx, rev.FileAccessKey, path, progress); err != nil {
			return "", fmt.Errorf("download revision %s: %w", rev.ID, err)
		}
		return "blob", nil
	}
	id := transport.NewObjectID(transport.ClassChangeSet, rev.ID)
	if err := e.transport.DownloadFile(ctx, id, path, progress); err != nil {
		return "", fmt.Errorf("download revision %s: %w", rev.ID, err)
	}
	return "transport", nil
}

// FetchRevisionFile downloads and verifies the file of revision id into
// path. The prefetch cache is not consulted.
func (e *Engine) FetchRevisionFile(ctx context.Context, id, path string, progress netx.ProgressFunc) error {
	if err := e.checkConnected(); err != nil {
		return err
	}
	if id == "" {
		return common.ErrInvalidChangeSet
	}

	q := transport.NewQuery(transport.ClassChangeSet)
	q.Filter = transport.Eq(transport.PropID, id)
	if e.blobs != nil {
		q.Select = transport.SelectDownloadKey
	}
	insts, err := e.transport.QueryObjects(ctx, q)
	if err != nil {
		return fmt.Errorf("query revision %s: %w", id, err)
	}
	if len(insts) == 0 {
		return fmt.Errorf("%w: %s", common.ErrChangeSetDoesNotExist, id)
	}
	rev := revisionFromInstance(insts[0])
	e.remember(rev)

	if _, err := e.fetch(ctx, rev, path, progress); err != nil {
		return err
	}
	if err := cryptox.VerifyFile(path, id); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// claim asks the prefetch cache for the file. Failures fall back to a
// normal download.
func (e *Engine) claim(ctx context.Context, path, id string) bool {
	p := e.prefetcher()
	if p == nil {
		return false
	}
	ok, err := p.TryClaim(ctx, path, id)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn(ctx, "prefetch claim failed", "revision", id, "error", err)
		}
		return false
	}
	return ok
}
