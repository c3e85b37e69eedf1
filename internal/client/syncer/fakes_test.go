package syncer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/cryptox"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/dmitrijs2005/briefsync/internal/retry"
	"github.com/stretchr/testify/require"
)

// fakeHub is an in-memory repository transport.
type fakeHub struct {
	mu sync.Mutex

	revisions []transport.Instance
	files     map[string][]byte
	briefcase transport.Instance

	queries    []transport.Query
	created    []transport.Instance
	uploaded   []string
	downloads  int
	changesets []transport.Changeset
	deleted    []transport.ObjectID

	createErrs []error
	uploadErr  error
	csErrs     []error
	queryErr   error

	// afterChangeset runs once a changeset was accepted and may replace
	// the result the caller sees.
	afterChangeset func(cs transport.Changeset) error
}

func newFakeHub() *fakeHub {
	return &fakeHub{files: map[string][]byte{}}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// publish lists rev the way the hub does once it is initialized.
func (h *fakeHub) publish(rev *models.Revision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revisions = append(h.revisions, transport.NewInstance(transport.ClassChangeSet, rev.ID, map[string]any{
		transport.PropID:          rev.ID,
		transport.PropParentID:    rev.ParentID,
		transport.PropIndex:       rev.Index,
		transport.PropSeedFileID:  "master",
		transport.PropBriefcaseID: int(rev.BriefcaseID),
	}))
}

// addRevision publishes a revision whose content hashes to its id.
func (h *fakeHub) addRevision(t *testing.T, parent string, index int64, content string) string {
	t.Helper()
	id, err := cryptox.RevisionDigest(bytes.NewBufferString(content))
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[id] = []byte(content)
	h.revisions = append(h.revisions, transport.NewInstance(transport.ClassChangeSet, id, map[string]any{
		transport.PropID:          id,
		transport.PropParentID:    parent,
		transport.PropIndex:       index,
		transport.PropSeedFileID:  "master",
		transport.PropBriefcaseID: 3,
	}))
	return id
}

func (h *fakeHub) CreateObject(_ context.Context, inst transport.Instance) (transport.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, inst)
	if err := pop(&h.createErrs); err != nil {
		return transport.Instance{}, err
	}
	if inst.Class == transport.ClassBriefcase {
		return h.briefcase, nil
	}
	out := inst
	out.Related = nil
	return out, nil
}

func (h *fakeHub) QueryObjects(_ context.Context, q transport.Query) ([]transport.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, q)
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	if q.Class == transport.ClassBriefcase {
		if h.briefcase.Properties == nil {
			return nil, nil
		}
		return []transport.Instance{h.briefcase}, nil
	}
	// Newest first, so callers have to sort.
	var out []transport.Instance
	for i := len(h.revisions) - 1; i >= 0; i-- {
		r := h.revisions[i]
		if q.Filter == nil || q.Filter.Eval(h.resolver(r)) {
			out = append(out, r)
		}
	}
	return out, nil
}

// resolver resolves the following-revision relationship to all ancestors.
func (h *fakeHub) resolver(r transport.Instance) func(string) (any, bool) {
	return func(prop string) (any, bool) {
		if prop != transport.PropFollowingChangeSet {
			v, ok := r.Properties[prop]
			return v, ok
		}
		var ancestors []any
		for parent := r.Str(transport.PropParentID); parent != ""; {
			ancestors = append(ancestors, parent)
			next := ""
			for _, c := range h.revisions {
				if c.ID == parent {
					next = c.Str(transport.PropParentID)
				}
			}
			parent = next
		}
		return ancestors, true
	}
}

func (h *fakeHub) UpdateObject(context.Context, transport.Instance) error { return nil }

func (h *fakeHub) DeleteObject(_ context.Context, id transport.ObjectID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, id)
	return nil
}

func (h *fakeHub) UploadFile(_ context.Context, id transport.ObjectID, path string, _ netx.ProgressFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.uploadErr != nil {
		return h.uploadErr
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	h.files[id.ID] = b
	h.uploaded = append(h.uploaded, id.ID)
	return nil
}

func (h *fakeHub) DownloadFile(_ context.Context, id transport.ObjectID, path string, _ netx.ProgressFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[id.ID]
	if !ok {
		return common.ErrFileIsNotUploaded
	}
	h.downloads++
	return os.WriteFile(path, b, 0o600)
}

func (h *fakeHub) SendChangeset(_ context.Context, cs transport.Changeset) ([]transport.Instance, error) {
	h.mu.Lock()
	h.changesets = append(h.changesets, cs)
	err := pop(&h.csErrs)
	after := h.afterChangeset
	h.mu.Unlock()
	if err == nil && after != nil {
		err = after(cs)
	}
	return nil, err
}

func (h *fakeHub) Close() error { return nil }

// fakeStore is a LocalStore with one set of pending changes.
type fakeStore struct {
	mu sync.Mutex

	bc       models.BriefcaseID
	parent   string
	readOnly bool

	pending   *models.Revision
	staged    *models.Revision
	startErr  error
	finishErr error
	mergeErr  map[string]error

	merged    []string
	starts    int
	finished  int
	abandoned int
	values    map[string]string
	closed    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{bc: 3, values: map[string]string{}, mergeErr: map[string]error{}}
}

func (s *fakeStore) BriefcaseID(context.Context) (models.BriefcaseID, error) { return s.bc, nil }

func (s *fakeStore) ParentRevisionID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent, nil
}

func (s *fakeStore) MasterFileID(context.Context) (string, error) { return "master", nil }
func (s *fakeStore) IsReadOnly(context.Context) (bool, error)     { return s.readOnly, nil }

func (s *fakeStore) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeStore) StagedRevision() *models.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return nil
	}
	rev := *s.staged
	return &rev
}

func (s *fakeStore) StartCreateRevision(context.Context) (*models.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startErr != nil {
		return nil, s.startErr
	}
	if s.staged != nil {
		return nil, errors.New("a revision is already staged")
	}
	if s.pending == nil {
		return nil, nil
	}
	rev := *s.pending
	rev.ParentID = s.parent
	rev.BriefcaseID = s.bc
	rev.MasterFileID = "master"
	staged := rev
	s.staged = &staged
	return &rev, nil
}

func (s *fakeStore) FinishCreateRevision(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finished++
	s.parent = s.staged.ID
	s.pending = nil
	s.staged = nil
	return nil
}

func (s *fakeStore) AbandonCreateRevision(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned++
	s.staged = nil
	return nil
}

func (s *fakeStore) MergeRevision(_ context.Context, rev *models.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mergeErr[rev.ID]; err != nil {
		return err
	}
	if rev.ParentID != s.parent {
		return common.ErrRevisionParentMismatch
	}
	s.merged = append(s.merged, rev.ID)
	s.parent = rev.ID
	return nil
}

func (s *fakeStore) ChangeBriefcaseID(_ context.Context, id models.BriefcaseID) error {
	s.bc = id
	return nil
}

func (s *fakeStore) SaveLocalValue(_ context.Context, k, v string) error {
	s.values[k] = v
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// stagePending gives the store a pending revision backed by a real file.
func (s *fakeStore) stagePending(t *testing.T, content string) *models.Revision {
	t.Helper()
	id, err := cryptox.RevisionDigest(bytes.NewBufferString(content))
	require.NoError(t, err)
	path := t.TempDir() + "/" + RevisionFileName(id)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	s.pending = &models.Revision{
		ID:          id,
		Index:       1,
		FileSize:    int64(len(content)),
		ChangesFile: path,
		UsedLocks: []models.Lock{{
			ID:    models.LockableID{Type: models.LockableTypeElement, ObjectID: "0x10"},
			Level: models.LockLevelExclusive,
		}},
		AssignedCodes: []models.Code{{SpecID: "0x1", Scope: "s", Value: "A"}},
	}
	return s.pending
}

type fakeReservations struct {
	calls int
	codes []models.Code
	last  string
	err   error
}

func (r *fakeReservations) AcquireCodesLocks(_ context.Context, _ []models.Lock, codes []models.Code,
	_ models.BriefcaseID, _, last string) error {
	r.calls++
	r.codes = codes
	r.last = last
	return r.err
}

type fakePrefetch struct {
	mu     sync.Mutex
	files  map[string][]byte
	claims int
	err    error
}

func (p *fakePrefetch) TryClaim(_ context.Context, target, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims++
	if p.err != nil {
		return false, p.err
	}
	b, ok := p.files[id]
	if !ok {
		return false, nil
	}
	delete(p.files, id)
	return true, os.WriteFile(target, b, 0o600)
}

func fastPolicy(attempts int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = attempts
	p.FirstRetryMin = 0
	p.FirstRetryMax = 0
	p.BaseDelay = 0
	return p
}

func newTestEngine(t *testing.T, hub *fakeHub, res Reservations) *Engine {
	t.Helper()
	return NewEngine(hub, nil, res, Config{
		ServerURL:    "http://hub",
		RepositoryID: "repo",
		DownloadDir:  t.TempDir(),
		Policy:       fastPolicy(3),
	}, nil)
}

var errBoom = errors.New("boom")
