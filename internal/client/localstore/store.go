package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/repositories/elements"
	"github.com/dmitrijs2005/briefsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/briefsync/internal/client/repositories/pending"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/cryptox"
	"github.com/dmitrijs2005/briefsync/internal/dbx"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/google/uuid"
)

// Metadata keys.
const (
	keyBriefcaseID    = "BriefcaseId"
	keyParentID       = "ParentChangeSetId"
	keyParentIndex    = "ParentChangeSetIndex"
	keyReadOnly       = "ReadOnly"
	keyTracking       = "TxnTracking"
	keyMasterFileID   = "MasterFileId"
	localValuePrefix  = "local."
	revisionExtension = ".rev"
)

// Local value keys written by the sync engine.
const (
	LocalValueServerURL            = "ServerURL"
	LocalValueRepositoryID         = "RepositoryId"
	LocalValueLastMergedRevisionID = "LastMergedRevisionId"
)

// ErrRevisionInProgress is returned when a staged revision was neither
// finished nor abandoned.
var ErrRevisionInProgress = errors.New("a revision is already staged")

// Options configures Open.
type Options struct {
	// WorkDir receives staged revision files. Defaults to a ".briefsync"
	// directory next to the briefcase.
	WorkDir string
	Logger  logging.Logger
}

type staged struct {
	rev  *models.Revision
	upTo int64
}

// Store is a briefcase file.
type Store struct {
	db      *sql.DB
	path    string
	workDir string
	logger  logging.Logger

	meta     metadata.Repository
	elements elements.Repository
	pending  pending.Repository

	mu     sync.Mutex
	staged *staged
	closed atomic.Bool
}

// Open opens or creates the briefcase at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(filepath.Dir(path), ".briefsync")
	}
	workDir, err := filex.EnsureDir(opts.WorkDir)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(ctx, path)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:       db,
		path:     path,
		workDir:  workDir,
		logger:   opts.Logger.With("briefcase", filepath.Base(path)),
		meta:     metadata.NewSQLiteRepository(db),
		elements: elements.NewSQLiteRepository(db),
		pending:  pending.NewSQLiteRepository(db),
	}, nil
}

// Close releases the database handle. A staged revision is abandoned.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	_ = s.AbandonCreateRevision(context.Background())
	return s.db.Close()
}

// IsOpen reports whether Close has not been called yet.
func (s *Store) IsOpen() bool { return !s.closed.Load() }

// Path returns the briefcase file path.
func (s *Store) Path() string { return s.path }

// WorkDir returns the directory staged revision files are written to.
func (s *Store) WorkDir() string { return s.workDir }

func (s *Store) getInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.meta.Get(ctx, key)
	if err != nil || !ok || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata[%s]=%q: %w", key, v, err)
	}
	return n, nil
}

func (s *Store) getBool(ctx context.Context, key string) (bool, error) {
	v, _, err := s.meta.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	return s.meta.SetMany(ctx, map[string]string{key: value})
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// BriefcaseID returns the briefcase id, or models.InvalidBriefcaseID when
// none was assigned.
func (s *Store) BriefcaseID(ctx context.Context) (models.BriefcaseID, error) {
	n, err := s.getInt(ctx, keyBriefcaseID)
	return models.BriefcaseID(n), err
}

// ChangeBriefcaseID assigns id and turns change tracking on.
func (s *Store) ChangeBriefcaseID(ctx context.Context, id models.BriefcaseID) error {
	if !id.IsValid() {
		return fmt.Errorf("%w: %d", common.ErrInvalidBriefcase, id)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return metadata.NewSQLiteRepository(tx).SetMany(ctx, map[string]string{
			keyBriefcaseID: strconv.Itoa(int(id)),
			keyTracking:    "1",
		})
	})
}

// ParentRevisionID returns the id of the revision the briefcase is based
// on. An empty id means the beginning of history.
func (s *Store) ParentRevisionID(ctx context.Context) (string, error) {
	v, _, err := s.meta.Get(ctx, keyParentID)
	return v, err
}

// ParentRevisionIndex returns the index of the parent revision, 0 at the
// beginning of history.
func (s *Store) ParentRevisionIndex(ctx context.Context) (int64, error) {
	return s.getInt(ctx, keyParentIndex)
}

// SetParentRevision moves the parent pointer without applying anything.
// It is used when a fresh briefcase is seeded from a downloaded seed file.
func (s *Store) SetParentRevision(ctx context.Context, id string, index int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return setParent(ctx, metadata.NewSQLiteRepository(tx), id, index)
	})
}

func setParent(ctx context.Context, meta metadata.Repository, id string, index int64) error {
	merged := localValuePrefix + LocalValueLastMergedRevisionID
	return meta.SetMany(ctx, map[string]string{
		keyParentID:    id,
		keyParentIndex: strconv.FormatInt(index, 10),
		merged:         id,
	})
}

// MasterFileID returns the id of the master file the briefcase belongs to.
func (s *Store) MasterFileID(ctx context.Context) (string, error) {
	v, _, err := s.meta.Get(ctx, keyMasterFileID)
	return v, err
}

func (s *Store) SetMasterFileID(ctx context.Context, id string) error {
	return s.set(ctx, keyMasterFileID, id)
}

func (s *Store) IsReadOnly(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyReadOnly)
}

func (s *Store) SetReadOnly(ctx context.Context, readOnly bool) error {
	return s.set(ctx, keyReadOnly, boolString(readOnly))
}

func (s *Store) IsTrackingEnabled(ctx context.Context) (bool, error) {
	return s.getBool(ctx, keyTracking)
}

func (s *Store) SetTrackingEnabled(ctx context.Context, enabled bool) error {
	return s.set(ctx, keyTracking, boolString(enabled))
}

// SaveLocalValue stores a per-briefcase value such as the server url.
func (s *Store) SaveLocalValue(ctx context.Context, key, value string) error {
	return s.set(ctx, localValuePrefix+key, value)
}

// LocalValues returns every value saved with SaveLocalValue.
func (s *Store) LocalValues(ctx context.Context) (map[string]string, error) {
	return s.meta.List(ctx, localValuePrefix)
}

// LocalValue returns a value saved with SaveLocalValue, or "".
func (s *Store) LocalValue(ctx context.Context, key string) (string, error) {
	v, _, err := s.meta.Get(ctx, localValuePrefix+key)
	return v, err
}

// Element returns the value of element id.
func (s *Store) Element(ctx context.Context, id string) (string, bool, error) {
	e, err := s.elements.Get(ctx, id)
	if err != nil || e == nil {
		return "", false, err
	}
	return e.Value, true, nil
}

// Elements returns all elements ordered by id.
func (s *Store) Elements(ctx context.Context) ([]models.Element, error) {
	return s.elements.List(ctx)
}

// PendingChanges returns local changes not pushed yet.
func (s *Store) PendingChanges(ctx context.Context) ([]models.Change, error) {
	return s.pending.List(ctx, 0)
}

func (s *Store) HasPendingChanges(ctx context.Context) (bool, error) {
	n, err := s.pending.LastSeq(ctx)
	return n > 0, err
}

func (s *Store) checkWritable(ctx context.Context) error {
	ro, err := s.IsReadOnly(ctx)
	if err != nil {
		return err
	}
	if ro {
		return common.ErrBriefcaseIsReadOnly
	}
	tracking, err := s.IsTrackingEnabled(ctx)
	if err != nil {
		return err
	}
	if !tracking {
		return common.ErrTrackingNotEnabled
	}
	return nil
}

func (s *Store) record(ctx context.Context, c models.Change, apply func(ctx context.Context, el elements.Repository) error) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if apply != nil {
			if err := apply(ctx, elements.NewSQLiteRepository(tx)); err != nil {
				return err
			}
		}
		_, err := pending.NewSQLiteRepository(tx).Add(ctx, c)
		return err
	})
}

// SetElement creates or updates an element and tracks the change.
func (s *Store) SetElement(ctx context.Context, id, value string) error {
	c := models.Change{Kind: models.ChangeKindElement, ElementID: id, Op: models.ChangeOpSet, Value: value}
	return s.record(ctx, c, func(ctx context.Context, el elements.Repository) error {
		return el.Upsert(ctx, models.Element{ID: id, Value: value})
	})
}

// DeleteElement removes an element and tracks the change.
func (s *Store) DeleteElement(ctx context.Context, id string) error {
	c := models.Change{Kind: models.ChangeKindElement, ElementID: id, Op: models.ChangeOpDelete}
	return s.record(ctx, c, func(ctx context.Context, el elements.Repository) error {
		return el.Delete(ctx, id)
	})
}

// AssignCode records that the briefcase used code. The code is marked used
// remotely when the next revision is pushed.
func (s *Store) AssignCode(ctx context.Context, code models.Code) error {
	return s.record(ctx, models.Change{Kind: models.ChangeKindCode, Code: code, CodeState: models.CodeStateUsed}, nil)
}

// DiscardCode records that the briefcase gave up a used code.
func (s *Store) DiscardCode(ctx context.Context, code models.Code) error {
	return s.record(ctx, models.Change{Kind: models.ChangeKindCode, Code: code, CodeState: models.CodeStateDiscarded}, nil)
}

// StartCreateRevision stages all pending changes into a revision file and
// returns the revision, or nil when there is nothing to push. Changes made
// after staging stay pending for the next revision.
func (s *Store) StartCreateRevision(ctx context.Context) (*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged != nil {
		return nil, ErrRevisionInProgress
	}

	upTo, err := s.pending.LastSeq(ctx)
	if err != nil || upTo == 0 {
		return nil, err
	}
	changes, err := s.pending.List(ctx, upTo)
	if err != nil {
		return nil, err
	}

	bc, err := s.BriefcaseID(ctx)
	if err != nil {
		return nil, err
	}
	parentID, err := s.ParentRevisionID(ctx)
	if err != nil {
		return nil, err
	}
	parentIndex, err := s.ParentRevisionIndex(ctx)
	if err != nil {
		return nil, err
	}
	master, err := s.MasterFileID(ctx)
	if err != nil {
		return nil, err
	}

	f := revisionFile{
		Format:      fileFormat,
		ParentID:    parentID,
		BriefcaseID: int(bc),
		Nonce:       uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
	}
	for _, c := range changes {
		f.Changes = append(f.Changes, toFileChange(c))
	}
	b, err := encodeRevision(f)
	if err != nil {
		return nil, err
	}
	id, err := cryptox.RevisionDigest(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.workDir, id+revisionExtension)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("write revision %s: %w", path, err)
	}

	rev := &models.Revision{
		ID:           id,
		ParentID:     parentID,
		Index:        parentIndex + 1,
		MasterFileID: master,
		BriefcaseID:  bc,
		FileSize:     int64(len(b)),
		ChangesFile:  path,
	}
	summarize(rev, changes)

	s.staged = &staged{rev: rev, upTo: upTo}
	s.logger.Debug(ctx, "revision staged", "revision", id, "changes", len(changes))
	return rev, nil
}

// FinishCreateRevision commits the staged revision: its changes stop being
// pending and it becomes the parent.
func (s *Store) FinishCreateRevision(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return fmt.Errorf("%w: no staged revision", common.ErrInvalidChangeSet)
	}
	st := s.staged

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := pending.NewSQLiteRepository(tx).DeleteUpTo(ctx, st.upTo); err != nil {
			return err
		}
		if err := setParent(ctx, metadata.NewSQLiteRepository(tx), st.rev.ID, st.rev.Index); err != nil {
			return err
		}
		return recordMerged(ctx, tx, st.rev)
	})
	if err != nil {
		return err
	}

	_ = os.Remove(st.rev.ChangesFile)
	s.staged = nil
	s.logger.Info(ctx, "revision committed", "revision", st.rev.ID, "index", st.rev.Index)
	return nil
}

// StagedRevision returns a copy of the staged revision, or nil.
func (s *Store) StagedRevision() *models.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return nil
	}
	rev := *s.staged.rev
	return &rev
}

// AbandonCreateRevision drops the staged revision. Pending changes are kept.
func (s *Store) AbandonCreateRevision(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged == nil {
		return nil
	}
	path := s.staged.rev.ChangesFile
	s.staged = nil
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MergeRevision applies rev on top of the current parent. Elements with
// local pending edits keep their local value. The briefcase is unchanged
// when the revision does not follow the parent, the file cannot be read or
// ctx is already done.
func (s *Store) MergeRevision(ctx context.Context, rev *models.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged != nil {
		return ErrRevisionInProgress
	}

	parent, err := s.ParentRevisionID(ctx)
	if err != nil {
		return err
	}
	if rev.ParentID != parent {
		return fmt.Errorf("%w: revision %s has parent %q, briefcase is at %q",
			common.ErrRevisionParentMismatch, rev.ID, rev.ParentID, parent)
	}

	f, err := readRevision(rev.ChangesFile)
	if err != nil {
		return fmt.Errorf("read revision %s: %w", rev.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		local, err := pending.NewSQLiteRepository(tx).ElementIDs(ctx)
		if err != nil {
			return err
		}
		el := elements.NewSQLiteRepository(tx)
		for _, c := range f.Changes {
			if c.Kind != string(models.ChangeKindElement) || local[c.ElementID] {
				continue
			}
			switch models.ChangeOp(c.Op) {
			case models.ChangeOpSet:
				err = el.Upsert(ctx, models.Element{ID: c.ElementID, Value: c.Value})
			case models.ChangeOpDelete:
				err = el.Delete(ctx, c.ElementID)
			default:
				err = fmt.Errorf("%w: unknown op %q", common.ErrRevisionCorrupted, c.Op)
			}
			if err != nil {
				return err
			}
		}
		if err := setParent(ctx, metadata.NewSQLiteRepository(tx), rev.ID, rev.Index); err != nil {
			return err
		}
		return recordMerged(ctx, tx, rev)
	})
}

func recordMerged(ctx context.Context, tx dbx.DBTX, rev *models.Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO merged_revisions (id, parent_id, idx, merged_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rev.ID, rev.ParentID, rev.Index, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record merged revision %s: %w", rev.ID, dbx.MapError(err))
	}
	return nil
}

// MergedRevisions returns the revisions applied to or created in this
// briefcase, oldest first.
func (s *Store) MergedRevisions(ctx context.Context) ([]models.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, idx FROM merged_revisions ORDER BY idx`)
	if err != nil {
		return nil, dbx.MapError(err)
	}
	defer rows.Close()

	var out []models.Revision
	for rows.Next() {
		var r models.Revision
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Index); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
