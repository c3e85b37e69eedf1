package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
)

// Poller is the remote side used by a Notifier. *Service implements it.
type Poller interface {
	Subscribe(ctx context.Context, types TypeSet) error
	Unsubscribe(ctx context.Context) error
	GetEvent(ctx context.Context, longPoll bool) (Event, error)
}

var _ Poller = (*Service)(nil)

// Callback receives events. It runs on the polling goroutine and must not
// block for long.
type Callback func(ctx context.Context, ev Event)

// CallbackID identifies a registered callback.
type CallbackID uint64

type registration struct {
	types TypeSet
	fn    Callback
}

// Notifier fans events out to registered callbacks.
type Notifier struct {
	poller Poller
	logger logging.Logger

	mu        sync.Mutex
	nextID    CallbackID
	callbacks map[CallbackID]registration
	current   TypeSet
	stop      context.CancelFunc
	done      chan struct{}

	// subscribed is set while the poller may hold a remote subscription.
	subscribed bool
}

// NewNotifier returns a notifier with no callbacks.
func NewNotifier(p Poller, logger logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{
		poller:    p,
		logger:    logger.With("module", "events.notifier"),
		callbacks: make(map[CallbackID]registration),
	}
}

func (n *Notifier) union() TypeSet {
	sets := make([]TypeSet, 0, len(n.callbacks))
	for _, r := range n.callbacks {
		sets = append(sets, r.types)
	}
	return Union(sets...)
}

// Subscribe registers cb for the given types; no types means every type.
// The remote subscription follows the union of all registered filters and
// the polling loop starts with the first callback.
func (n *Notifier) Subscribe(ctx context.Context, types []Type, cb Callback) (CallbackID, error) {
	if cb == nil {
		return 0, common.ErrEventCallbackNotSpecified
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.callbacks[id] = registration{types: NewTypeSet(types...), fn: cb}

	union := n.union()
	if n.stop == nil || !union.Equal(n.current) {
		if err := n.poller.Subscribe(ctx, union); err != nil {
			delete(n.callbacks, id)
			return 0, err
		}
		n.current = union
		n.subscribed = true
	}
	if n.stop == nil {
		n.start(ctx)
	}
	return id, nil
}

// Unsubscribe removes a callback. Removing the last one stops the loop and
// drops the remote subscription.
func (n *Notifier) Unsubscribe(ctx context.Context, id CallbackID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.callbacks[id]; !ok {
		return common.ErrEventCallbackNotSpecified
	}
	delete(n.callbacks, id)

	if len(n.callbacks) == 0 {
		n.halt()
		n.current = nil
		if err := n.poller.Unsubscribe(ctx); err != nil {
			return err
		}
		n.subscribed = false
		return nil
	}

	union := n.union()
	if union.Equal(n.current) {
		return nil
	}
	if err := n.poller.Subscribe(ctx, union); err != nil {
		return err
	}
	n.current = union
	return nil
}

// Running reports whether the polling loop is active.
func (n *Notifier) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stop != nil
}

// Close removes every callback, waits for the loop to exit and drops the
// remote subscription, including one an earlier Unsubscribe failed to
// drop. It must not be called from a callback.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	done := n.done
	subscribed := n.subscribed
	n.callbacks = make(map[CallbackID]registration)
	n.halt()
	n.current = nil
	n.mu.Unlock()

	if done != nil {
		<-done
	}
	if !subscribed {
		return nil
	}
	if err := n.poller.Unsubscribe(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	n.subscribed = false
	n.mu.Unlock()
	return nil
}

// start launches the loop. Callers hold n.mu.
func (n *Notifier) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	n.stop, n.done = cancel, done
	go n.run(loopCtx, done)
}

// halt cancels the loop without waiting. Callers hold n.mu.
func (n *Notifier) halt() {
	if n.stop != nil {
		n.stop()
	}
	n.stop, n.done = nil, nil
}

func (n *Notifier) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	n.logger.Debug(ctx, "event loop started")

	for ctx.Err() == nil {
		ev, err := n.poller.GetEvent(ctx, true)
		switch {
		case err == nil:
			n.dispatch(ctx, ev)
		case errors.Is(err, common.ErrNoEventsFound):
		case ctx.Err() != nil:
		default:
			n.logger.Warn(ctx, "event loop stopped", "error", err)
			n.mu.Lock()
			if n.done == done {
				n.stop, n.done = nil, nil
			}
			n.mu.Unlock()
			return
		}
	}
	n.logger.Debug(ctx, "event loop cancelled")
}

// dispatch calls matching callbacks outside the lock, in registration order.
func (n *Notifier) dispatch(ctx context.Context, ev Event) {
	n.mu.Lock()
	ids := make([]CallbackID, 0, len(n.callbacks))
	for id, r := range n.callbacks {
		if r.types.Matches(ev.EventType()) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Callback, len(ids))
	for i, id := range ids {
		fns[i] = n.callbacks[id].fn
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, ev)
	}
	if len(fns) > 0 {
		metrics.EventsDelivered.WithLabelValues(ev.EventType().String()).Inc()
	}
}
