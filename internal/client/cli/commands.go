package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/localstore"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/syncer"
)

// Acquire registers a new briefcase and downloads it to the configured
// path.
func (a *App) Acquire(ctx context.Context) error {
	if a.hasBriefcase() {
		printlnFn("A briefcase is already open at", a.cfg.BriefcasePath)
		return nil
	}
	bc, store, err := a.conn.AcquireBriefcase(ctx, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
	printSuccess("acquired briefcase %s at %s", bc.ID, a.cfg.BriefcasePath)
	return nil
}

// Status prints the local state of the briefcase.
func (a *App) Status(ctx context.Context) error {
	store := a.briefcase()
	bc, err := store.BriefcaseID(ctx)
	if err != nil {
		return err
	}
	parent, err := store.ParentRevisionID(ctx)
	if err != nil {
		return err
	}
	index, err := store.ParentRevisionIndex(ctx)
	if err != nil {
		return err
	}
	changes, err := store.PendingChanges(ctx)
	if err != nil {
		return err
	}
	master, err := store.MasterFileID(ctx)
	if err != nil {
		return err
	}
	local, err := store.LocalValues(ctx)
	if err != nil {
		return err
	}
	server := local[localstore.LocalValueServerURL]
	if server == "" {
		server = a.cfg.ServerURL
	}

	printLabelValue("Briefcase", bc)
	printLabelValue("Server", server)
	printLabelValue("Repository", a.cfg.RepositoryID)
	printLabelValue("Master file", master)
	if parent == "" {
		printLabelValue("Parent revision", "(none)")
	} else {
		printLabelValue("Parent revision", fmt.Sprintf("%s (#%d)", parent, index))
	}
	printLabelValue("Pending changes", len(changes))
	printLabelValue("Prefetch", a.conn.Prefetch() != nil)
	return nil
}

// Pull downloads and merges every revision after the parent.
func (a *App) Pull(ctx context.Context) error {
	revs, err := a.conn.Engine().PullAndMerge(ctx, a.briefcase(), nil)
	if err != nil {
		return err
	}
	printRevisions("merged", revs)
	return nil
}

// Push sends the pending changes as one revision.
func (a *App) Push(ctx context.Context, description string) error {
	store := a.briefcase()
	pending, err := store.HasPendingChanges(ctx)
	if err != nil {
		return err
	}
	if !pending {
		printlnFn("Nothing to push")
		return nil
	}
	if err := a.conn.Engine().Push(ctx, store, syncer.PushOptions{Description: description}); err != nil {
		return err
	}
	parent, _ := store.ParentRevisionID(ctx)
	printSuccess("pushed revision %s", parent)
	return nil
}

// Sync pulls, merges and pushes, retrying while the repository is busy.
func (a *App) Sync(ctx context.Context, description string) error {
	store := a.briefcase()
	revs, err := a.conn.Engine().PullMergeAndPush(ctx, store, syncer.PushOptions{Description: description})
	printRevisions("merged", revs)
	if err != nil {
		return err
	}
	parent, _ := store.ParentRevisionID(ctx)
	printSuccess("in sync at %s", parent)
	return nil
}

func printRevisions(verb string, revs []*models.Revision) {
	if len(revs) == 0 {
		printlnFn("Already up to date")
		return
	}
	for _, r := range revs {
		dimColor.Fprintf(output, "  #%d %s", r.Index, r.ID)
		fmt.Fprintf(output, " %s\n", r.Description)
	}
	printSuccess("%s %d revision(s)", verb, len(revs))
}

func (a *App) identity(ctx context.Context) (bc models.BriefcaseID, master, parent string, err error) {
	store := a.briefcase()
	if bc, err = store.BriefcaseID(ctx); err != nil {
		return
	}
	if master, err = store.MasterFileID(ctx); err != nil {
		return
	}
	parent, err = store.ParentRevisionID(ctx)
	return
}

// Locks lists the locks the briefcase holds and those it cannot take.
func (a *App) Locks(ctx context.Context) error {
	bc, _, parent, err := a.identity(ctx)
	if err != nil {
		return err
	}
	held, unavailable, err := a.conn.Reservations().QueryResources(ctx, bc, parent)
	if err != nil {
		return err
	}
	labelColor.Fprintln(output, "Held")
	for _, l := range held.Locks {
		fmt.Fprintf(output, "  %s %s\n", l.ID, l.Level)
	}
	labelColor.Fprintln(output, "Unavailable")
	for _, l := range unavailable.Locks {
		warningColor.Fprintf(output, "  %s", l.ID)
		fmt.Fprintf(output, " %s by briefcase %s", l.Level, l.BriefcaseID)
		if l.ReleasedWithRevisionID != "" {
			fmt.Fprintf(output, " (released with %s)", l.ReleasedWithRevisionID)
		}
		fmt.Fprintln(output)
	}
	return nil
}

// Codes lists the codes the briefcase holds and those taken by others.
func (a *App) Codes(ctx context.Context) error {
	bc, _, parent, err := a.identity(ctx)
	if err != nil {
		return err
	}
	held, unavailable, err := a.conn.Reservations().QueryResources(ctx, bc, parent)
	if err != nil {
		return err
	}
	labelColor.Fprintln(output, "Held")
	for _, c := range held.Codes {
		fmt.Fprintf(output, "  %s %s\n", c.Code, c.State)
	}
	labelColor.Fprintln(output, "Unavailable")
	for _, c := range unavailable.Codes {
		warningColor.Fprintf(output, "  %s", c.Code)
		fmt.Fprintf(output, " %s by briefcase %s\n", c.State, c.BriefcaseID)
	}
	return nil
}

// Lock acquires a lock at level, or releases it with level none.
func (a *App) Lock(ctx context.Context, typ, id, level string) error {
	t, err := models.ParseLockableType(typ)
	if err != nil {
		return err
	}
	l, err := models.ParseLockLevel(level)
	if err != nil {
		return err
	}
	bc, master, parent, err := a.identity(ctx)
	if err != nil {
		return err
	}
	lock := models.Lock{ID: models.LockableID{Type: t, ObjectID: id}, Level: l, BriefcaseID: bc}

	res := a.conn.Reservations()
	if l == models.LockLevelNone {
		err = res.DemoteCodesLocks(ctx, []models.Lock{lock}, nil, bc, master)
	} else {
		err = res.AcquireCodesLocks(ctx, []models.Lock{lock}, nil, bc, master, parent)
	}
	if err != nil {
		return err
	}
	printSuccess("lock %s is %s", lock.ID, l)
	return nil
}

// Reserve reserves one code for the briefcase.
func (a *App) Reserve(ctx context.Context, spec, scope, value string) error {
	bc, master, parent, err := a.identity(ctx)
	if err != nil {
		return err
	}
	code := models.Code{SpecID: spec, Scope: scope, Value: value}
	if err := a.conn.Reservations().AcquireCodesLocks(ctx, nil, []models.Code{code}, bc, master, parent); err != nil {
		return err
	}
	printSuccess("reserved code %s", code)
	return nil
}

// Relinquish releases every lock and discards every reserved code.
func (a *App) Relinquish(ctx context.Context) error {
	bc, _, _, err := a.identity(ctx)
	if err != nil {
		return err
	}
	if err := a.conn.Reservations().RelinquishCodesLocks(ctx, bc); err != nil {
		return err
	}
	printSuccess("released all locks and codes of briefcase %s", bc)
	return nil
}

// Edit sets an element value; "-" deletes the element.
func (a *App) Edit(ctx context.Context, id, value string) error {
	store := a.briefcase()
	if value == "-" {
		return store.DeleteElement(ctx, id)
	}
	return store.SetElement(ctx, id, value)
}

// Watch toggles printing of repository events.
func (a *App) Watch(ctx context.Context) error {
	a.mu.Lock()
	id := a.watchID
	a.mu.Unlock()

	if id != 0 {
		if err := a.conn.Unwatch(ctx, id); err != nil {
			return err
		}
		a.mu.Lock()
		a.watchID = 0
		a.mu.Unlock()
		printlnFn("Stopped watching events")
		return nil
	}

	id, err := a.conn.Watch(ctx, nil, func(_ context.Context, ev events.Event) {
		dimColor.Fprintf(output, "\n[event] %s\n", describeEvent(ev))
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.watchID = id
	a.mu.Unlock()
	printlnFn("Watching events, run 'watch' again to stop")
	return nil
}

func describeEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.RevisionEvent:
		return fmt.Sprintf("revision %s (#%d) pushed by briefcase %s", e.RevisionID, e.RevisionIndex, e.BriefcaseID)
	case events.PrePushEvent:
		return fmt.Sprintf("briefcase %s is pushing", e.BriefcaseID)
	case events.LockEvent:
		return fmt.Sprintf("%s lock %s on %s by briefcase %s", e.LockType, e.LockLevel, strings.Join(e.ObjectIDs, ","), e.BriefcaseID)
	case events.CodeEvent:
		return fmt.Sprintf("codes %s in %s/%s are %s for briefcase %s", strings.Join(e.Values, ","), e.CodeSpecID, e.Scope, e.State(), e.BriefcaseID)
	case events.AllLocksDeletedEvent:
		return fmt.Sprintf("briefcase %s released all locks", e.BriefcaseID)
	case events.AllCodesDeletedEvent:
		return fmt.Sprintf("briefcase %s discarded its codes", e.BriefcaseID)
	default:
		return ev.EventType().String()
	}
}
