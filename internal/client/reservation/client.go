package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Resources is a set of locks and codes as seen by the remote.
type Resources struct {
	Locks []models.Lock
	Codes []models.CodeInfo
}

// IsEmpty reports whether r holds nothing.
func (r Resources) IsEmpty() bool {
	return len(r.Locks) == 0 && len(r.Codes) == 0
}

// Client issues lock and code requests for one repository.
type Client struct {
	transport transport.Transport
	logger    logging.Logger

	// DetailedErrors asks the remote to report what blocked a denied
	// request. Denials then come back as *ConflictError.
	DetailedErrors bool
}

// New returns a Client over t.
func New(t transport.Transport, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		transport:      t,
		logger:         logger.With("module", "reservation"),
		DetailedErrors: true,
	}
}

func (c *Client) send(ctx context.Context, op string, cs transport.Changeset) error {
	if len(cs.Instances) == 0 {
		return nil
	}
	start := time.Now()
	cs.Options.EmptyResponse = true
	cs.Options.DetailedErrors = c.DetailedErrors

	_, err := c.transport.SendChangeset(ctx, cs)
	metrics.ReservationRequests.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err != nil {
		err = enrichConflict(err)
		c.logger.Debug(ctx, "reservation request failed", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Debug(ctx, "reservation request done", "op", op,
		"instances", len(cs.Instances), "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func validBriefcase(bc models.BriefcaseID) error {
	if !bc.IsValid() {
		return fmt.Errorf("%w: %d", common.ErrInvalidBriefcase, bc)
	}
	return nil
}

func (c *Client) acquire(ctx context.Context, op string, locks []models.Lock, codes []models.Code,
	bc models.BriefcaseID, masterFileID, lastRevisionID string, queryOnly bool) error {
	if err := validBriefcase(bc); err != nil {
		return err
	}
	var cs transport.Changeset
	for _, inst := range lockInstances(locks, lockRequest{
		briefcase:    bc,
		masterFileID: masterFileID,
		releasedWith: lastRevisionID,
		queryOnly:    queryOnly,
	}) {
		cs.Add(transport.ChangeModified, inst)
	}
	for _, inst := range codeInstances(codes, codeRequest{
		state:     models.CodeStateReserved,
		briefcase: bc,
		queryOnly: queryOnly,
	}) {
		cs.Add(transport.ChangeCreated, inst)
	}
	return c.send(ctx, op, cs)
}

// AcquireCodesLocks takes locks and reserves codes for bc in one atomic
// request. lastRevisionID is the last revision bc merged; the remote
// refuses locks released by revisions bc has not seen yet.
func (c *Client) AcquireCodesLocks(ctx context.Context, locks []models.Lock, codes []models.Code,
	bc models.BriefcaseID, masterFileID, lastRevisionID string) error {
	return c.acquire(ctx, "acquire", locks, codes, bc, masterFileID, lastRevisionID, false)
}

// QueryCodesLocksAvailability is AcquireCodesLocks without side effects:
// it fails the same way but acquires nothing.
func (c *Client) QueryCodesLocksAvailability(ctx context.Context, locks []models.Lock, codes []models.Code,
	bc models.BriefcaseID, masterFileID, lastRevisionID string) error {
	return c.acquire(ctx, "availability", locks, codes, bc, masterFileID, lastRevisionID, true)
}

// DemoteCodesLocks lowers locks to the level given in each lock and
// returns codes to Available.
func (c *Client) DemoteCodesLocks(ctx context.Context, locks []models.Lock, codes []models.Code,
	bc models.BriefcaseID, masterFileID string) error {
	if err := validBriefcase(bc); err != nil {
		return err
	}
	var cs transport.Changeset
	for _, inst := range lockInstances(locks, lockRequest{briefcase: bc, masterFileID: masterFileID}) {
		cs.Add(transport.ChangeModified, inst)
	}
	for _, inst := range codeInstances(codes, codeRequest{state: models.CodeStateAvailable, briefcase: bc}) {
		cs.Add(transport.ChangeModified, inst)
	}
	return c.send(ctx, "demote", cs)
}

// RelinquishCodesLocks releases every lock and discards every reserved
// code of bc.
func (c *Client) RelinquishCodesLocks(ctx context.Context, bc models.BriefcaseID) error {
	if err := validBriefcase(bc); err != nil {
		return err
	}
	var cs transport.Changeset
	AppendRelinquish(&cs, bc)
	return c.send(ctx, "relinquish", cs)
}

// AppendRelinquish adds the bulk release of all locks and reserved codes
// of bc to cs.
func AppendRelinquish(cs *transport.Changeset, bc models.BriefcaseID) {
	suffix := "-" + strconv.Itoa(int(bc))
	cs.Add(transport.ChangeDeleted, transport.NewInstance(transport.ClassLock, transport.DeleteAllLocksID+suffix, nil))
	cs.Add(transport.ChangeDeleted, transport.NewInstance(transport.ClassCode, transport.DiscardReservedCodesID+suffix, nil))
}

// AppendRevisionRelease adds to cs what initializing a pushed revision
// changes in the authority: exclusive locks used by the revision drop to
// None, released with it, and the codes it assigned or discarded become
// permanent.
func AppendRevisionRelease(cs *transport.Changeset, rev *models.Revision) {
	for _, inst := range lockInstances(rev.UsedLocks, lockRequest{
		briefcase:     rev.BriefcaseID,
		masterFileID:  rev.MasterFileID,
		releasedWith:  rev.ID,
		exclusiveOnly: true,
		release:       true,
	}) {
		cs.Add(transport.ChangeModified, inst)
	}
	for _, inst := range codeInstances(rev.AssignedCodes, codeRequest{
		state:      models.CodeStateUsed,
		briefcase:  rev.BriefcaseID,
		revisionID: rev.ID,
	}) {
		cs.Add(transport.ChangeModified, inst)
	}
	for _, inst := range codeInstances(rev.DiscardedCodes, codeRequest{
		state:      models.CodeStateDiscarded,
		briefcase:  rev.BriefcaseID,
		revisionID: rev.ID,
	}) {
		cs.Add(transport.ChangeModified, inst)
	}
}

func (c *Client) queryLocks(ctx context.Context, class string, filter transport.Expr) ([]models.Lock, error) {
	q := transport.NewQuery(class)
	q.Filter = filter
	insts, err := c.transport.QueryObjects(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []models.Lock
	for _, i := range insts {
		if class == transport.ClassMultiLock {
			ls, err := LocksFromMultiInstance(i)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
			}
			out = append(out, ls...)
			continue
		}
		l, err := LockFromInstance(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Client) queryCodes(ctx context.Context, class string, filter transport.Expr) ([]models.CodeInfo, error) {
	q := transport.NewQuery(class)
	q.Filter = filter
	insts, err := c.transport.QueryObjects(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []models.CodeInfo
	for _, i := range insts {
		if class == transport.ClassMultiCode {
			cs, err := CodesFromMultiInstance(i)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
			}
			out = append(out, cs...)
			continue
		}
		ci, err := CodeFromInstance(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrMalformedResponse, err)
		}
		out = append(out, ci)
	}
	return out, nil
}

// both runs the lock and code halves of a query concurrently. The result
// is only returned when both succeed.
func both(ctx context.Context, locks func(ctx context.Context) ([]models.Lock, error),
	codes func(ctx context.Context) ([]models.CodeInfo, error)) (Resources, error) {
	var r Resources
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		r.Locks, err = locks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		r.Codes, err = codes(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Resources{}, err
	}
	return r, nil
}

// QueryHeldResources returns the locks and codes owned by bc.
func (c *Client) QueryHeldResources(ctx context.Context, bc models.BriefcaseID) (Resources, error) {
	if err := validBriefcase(bc); err != nil {
		return Resources{}, err
	}
	filter := transport.Eq(transport.PropBriefcaseID, int(bc))
	r, err := both(ctx,
		func(ctx context.Context) ([]models.Lock, error) {
			return c.queryLocks(ctx, transport.ClassMultiLock, filter)
		},
		func(ctx context.Context) ([]models.CodeInfo, error) {
			return c.queryCodes(ctx, transport.ClassMultiCode, filter)
		})
	metrics.ReservationRequests.WithLabelValues("held", metrics.Outcome(err)).Inc()
	if err != nil {
		return Resources{}, fmt.Errorf("query held resources: %w", err)
	}
	return r, nil
}

// QueryUnavailableResources returns what other briefcases hold that bc
// cannot take: locks held above None or released by revisions after
// lastRevisionID, and codes reserved, used or discarded by others.
func (c *Client) QueryUnavailableResources(ctx context.Context, bc models.BriefcaseID, lastRevisionID string) (Resources, error) {
	if err := validBriefcase(bc); err != nil {
		return Resources{}, err
	}
	lastIndex, err := c.RevisionIndex(ctx, lastRevisionID)
	if err != nil {
		return Resources{}, err
	}
	others := transport.Ne(transport.PropBriefcaseID, int(bc))
	r, err := both(ctx,
		func(ctx context.Context) ([]models.Lock, error) {
			return c.queryLocks(ctx, transport.ClassLock, transport.And(others, transport.Or(
				transport.Gt(transport.PropLockLevel, int(models.LockLevelNone)),
				transport.Gt(transport.PropReleasedWithChangeSetIndex, lastIndex),
			)))
		},
		func(ctx context.Context) ([]models.CodeInfo, error) {
			return c.queryCodes(ctx, transport.ClassCode, transport.And(others,
				transport.Ne(transport.PropState, int(models.CodeStateAvailable))))
		})
	metrics.ReservationRequests.WithLabelValues("unavailable", metrics.Outcome(err)).Inc()
	if err != nil {
		return Resources{}, fmt.Errorf("query unavailable resources: %w", err)
	}
	return r, nil
}

// QueryResources runs QueryHeldResources and QueryUnavailableResources
// concurrently.
func (c *Client) QueryResources(ctx context.Context, bc models.BriefcaseID, lastRevisionID string) (held, unavailable Resources, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		held, err = c.QueryHeldResources(gctx, bc)
		return err
	})
	g.Go(func() error {
		var err error
		unavailable, err = c.QueryUnavailableResources(gctx, bc, lastRevisionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Resources{}, Resources{}, err
	}
	return held, unavailable, nil
}

// QueryStates looks locks and codes up by identity to explain who holds
// them. Locks nobody holds are omitted.
func (c *Client) QueryStates(ctx context.Context, ids []models.LockableID, codes []models.Code) ([]models.LockState, []models.CodeInfo, error) {
	lockIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		lockIDs = append(lockIDs, LockObjectID(id, models.InvalidBriefcaseID))
	}
	codeIDs := make([]string, 0, len(codes))
	for _, cd := range codes {
		codeIDs = append(codeIDs, CodeObjectID(cd, models.InvalidBriefcaseID))
	}

	r, err := both(ctx,
		func(ctx context.Context) ([]models.Lock, error) {
			if len(lockIDs) == 0 {
				return nil, nil
			}
			ls, err := c.queryLocks(ctx, transport.ClassLock, transport.In(transport.PropInstanceID, lockIDs))
			if err != nil {
				return nil, err
			}
			held := ls[:0]
			for _, l := range ls {
				if l.Level != models.LockLevelNone {
					held = append(held, l)
				}
			}
			return held, nil
		},
		func(ctx context.Context) ([]models.CodeInfo, error) {
			if len(codeIDs) == 0 {
				return nil, nil
			}
			return c.queryCodes(ctx, transport.ClassCode, transport.In(transport.PropInstanceID, codeIDs))
		})
	metrics.ReservationRequests.WithLabelValues("states", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, nil, fmt.Errorf("query states: %w", err)
	}
	return lockStates(r.Locks), r.Codes, nil
}

// RevisionIndex returns the index of revision id, or 0 for "".
func (c *Client) RevisionIndex(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	q := transport.NewQuery(transport.ClassChangeSet)
	q.Filter = transport.Eq(transport.PropID, id)
	q.Select = transport.PropID + "," + transport.PropIndex
	insts, err := c.transport.QueryObjects(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("query revision %s: %w", id, err)
	}
	if len(insts) == 0 {
		return 0, fmt.Errorf("%w: %s", common.ErrChangeSetDoesNotExist, id)
	}
	return insts[0].Int(transport.PropIndex), nil
}
