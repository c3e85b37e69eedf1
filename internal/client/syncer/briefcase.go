package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/localstore"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/netx"
)

// Opener opens the briefcase file at path.
type Opener func(ctx context.Context, path string) (LocalStore, error)

func briefcaseFromInstance(i transport.Instance) *models.Briefcase {
	return &models.Briefcase{
		ID:               models.BriefcaseID(i.Int(transport.PropBriefcaseID)),
		FileID:           i.Str(transport.PropFileID),
		FileName:         i.Str(transport.PropFileName),
		FileSize:         i.Int(transport.PropFileSize),
		UserOwned:        i.Str(transport.PropUserOwned),
		MergedRevisionID: i.Str(transport.PropMergedChangeSetID),
		AcquiredDate:     i.Time(transport.PropAcquiredDate),
		IsReadOnly:       i.Bool(transport.PropIsReadOnly),
		FileAccessKey:    i.AccessKey(),
	}
}

// AcquireBriefcase registers a new briefcase, downloads its seed file to
// localPath and opens it. The returned store belongs to the caller.
func (e *Engine) AcquireBriefcase(ctx context.Context, localPath string, open Opener, progress netx.ProgressFunc) (bc *models.Briefcase, store LocalStore, err error) {
	if err := e.checkConnected(); err != nil {
		return nil, nil, err
	}
	if filex.Exists(localPath) {
		return nil, nil, fmt.Errorf("%w: %s", common.ErrFileAlreadyExists, localPath)
	}

	start := time.Now()
	defer func() {
		args := []any{"path", localPath}
		if bc != nil {
			args = append(args, "briefcase", bc.ID)
		}
		e.observe(ctx, "acquire_briefcase", start, err, args...)
	}()

	inst := transport.NewInstance(transport.ClassBriefcase, "", nil)
	inst.Related = map[string]transport.Instance{
		transport.RelFileAccessKey: transport.NewInstance(transport.ClassAccessKey, "", nil),
	}
	created, err := e.transport.CreateObject(ctx, inst)
	if err != nil {
		return nil, nil, fmt.Errorf("create briefcase: %w", err)
	}
	bc = briefcaseFromInstance(created)
	if !bc.ID.IsValid() {
		return nil, nil, fmt.Errorf("%w: %d", common.ErrInvalidBriefcase, bc.ID)
	}

	if _, err := filex.EnsureDir(filepath.Dir(localPath)); err != nil {
		return nil, nil, err
	}
	var opened LocalStore
	defer func() {
		if err != nil {
			if opened != nil {
				_ = opened.Close()
			}
			_ = os.Remove(localPath)
		}
	}()

	if bc.FileAccessKey != "" && e.blobs != nil {
		err = e.blobs.Download(ctx, bc.FileAccessKey, localPath, progress)
	} else {
		err = e.transport.DownloadFile(ctx, transport.NewObjectID(transport.ClassBriefcase, bc.ID.String()), localPath, progress)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("download seed of briefcase %d: %w", bc.ID, err)
	}

	opened, err = open(ctx, localPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open briefcase %d: %w", bc.ID, err)
	}
	if err = opened.ChangeBriefcaseID(ctx, bc.ID); err != nil {
		return nil, nil, err
	}
	for _, kv := range [][2]string{
		{localstore.LocalValueServerURL, e.cfg.ServerURL},
		{localstore.LocalValueRepositoryID, e.cfg.RepositoryID},
		{localstore.LocalValueLastMergedRevisionID, bc.MergedRevisionID},
	} {
		if err = opened.SaveLocalValue(ctx, kv[0], kv[1]); err != nil {
			return nil, nil, err
		}
	}
	return bc, opened, nil
}

// GetBriefcaseFileInfo returns the remote record of briefcase id.
func (e *Engine) GetBriefcaseFileInfo(ctx context.Context, id models.BriefcaseID) (*models.Briefcase, error) {
	if err := e.checkConnected(); err != nil {
		return nil, err
	}
	if !id.IsValid() {
		return nil, common.ErrInvalidBriefcase
	}
	q := transport.NewQuery(transport.ClassBriefcase)
	q.Filter = transport.Eq(transport.PropBriefcaseID, int(id))
	insts, err := e.transport.QueryObjects(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query briefcase %d: %w", id, err)
	}
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: %d", common.ErrBriefcaseDoesNotExist, id)
	}
	return briefcaseFromInstance(insts[0]), nil
}

// ReturnBriefcase deletes the remote record of briefcase id. Locks and
// codes it still holds are released by the repository.
func (e *Engine) ReturnBriefcase(ctx context.Context, id models.BriefcaseID) error {
	if err := e.checkConnected(); err != nil {
		return err
	}
	if !id.IsValid() {
		return common.ErrInvalidBriefcase
	}
	err := e.transport.DeleteObject(ctx, transport.NewObjectID(transport.ClassBriefcase, id.String()))
	if err != nil && !errors.Is(err, common.ErrBriefcaseDoesNotExist) {
		return fmt.Errorf("return briefcase %d: %w", id, err)
	}
	return nil
}

var _ LocalStore = (*localstore.Store)(nil)

// LocalOpener opens briefcase files with the local store.
func LocalOpener(opts localstore.Options) Opener {
	return func(ctx context.Context, path string) (LocalStore, error) {
		s, err := localstore.Open(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
