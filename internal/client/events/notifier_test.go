package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePoller hands out queued events and records subscription changes.
type fakePoller struct {
	mu           sync.Mutex
	subscribed   []TypeSet
	unsubscribed int
	subErr       error
	unsubErr     error
	pollErr      error

	events chan Event
}

func newFakePoller() *fakePoller {
	return &fakePoller{events: make(chan Event, 16)}
}

func (p *fakePoller) Subscribe(_ context.Context, types TypeSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subErr != nil {
		return p.subErr
	}
	p.subscribed = append(p.subscribed, types)
	return nil
}

func (p *fakePoller) Unsubscribe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed++
	return p.unsubErr
}

func (p *fakePoller) GetEvent(ctx context.Context, _ bool) (Event, error) {
	p.mu.Lock()
	err := p.pollErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case ev := <-p.events:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, common.ErrNoEventsFound
	}
}

func (p *fakePoller) subscriptions() []TypeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TypeSet(nil), p.subscribed...)
}

type recorder struct {
	mu  sync.Mutex
	got []Event
}

func (r *recorder) callback(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func TestNotifier_NilCallback(t *testing.T) {
	n := NewNotifier(newFakePoller(), nil)
	_, err := n.Subscribe(context.Background(), nil, nil)
	require.ErrorIs(t, err, common.ErrEventCallbackNotSpecified)
	require.ErrorIs(t, n.Unsubscribe(context.Background(), 42), common.ErrEventCallbackNotSpecified)
}

func TestNotifier_DeliversByFilter(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	n := NewNotifier(p, nil)
	defer func() { _ = n.Close(ctx) }()

	locks, all := &recorder{}, &recorder{}
	_, err := n.Subscribe(ctx, []Type{TypeLock}, locks.callback)
	require.NoError(t, err)
	_, err = n.Subscribe(ctx, nil, all.callback)
	require.NoError(t, err)
	assert.True(t, n.Running())

	p.events <- LockEvent{ObjectIDs: []string{"1"}}
	p.events <- RevisionEvent{RevisionID: "r"}

	require.Eventually(t, func() bool { return len(all.events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{LockEvent{ObjectIDs: []string{"1"}}}, locks.events())
	assert.Equal(t, []Event{LockEvent{ObjectIDs: []string{"1"}}, RevisionEvent{RevisionID: "r"}}, all.events())
}

func TestNotifier_SubscriptionFollowsUnion(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	n := NewNotifier(p, nil)

	a, err := n.Subscribe(ctx, []Type{TypeLock}, func(context.Context, Event) {})
	require.NoError(t, err)
	_, err = n.Subscribe(ctx, []Type{TypeLock}, func(context.Context, Event) {})
	require.NoError(t, err)
	c, err := n.Subscribe(ctx, []Type{TypeCode}, func(context.Context, Event) {})
	require.NoError(t, err)

	assert.Equal(t, []TypeSet{{TypeLock}, {TypeLock, TypeCode}}, p.subscriptions(),
		"an unchanged union must not update the subscription")

	require.NoError(t, n.Unsubscribe(ctx, c))
	require.NoError(t, n.Unsubscribe(ctx, a))
	assert.Equal(t, []TypeSet{{TypeLock}, {TypeLock, TypeCode}, {TypeLock}}, p.subscriptions())
	assert.True(t, n.Running())

	require.NoError(t, n.Close(ctx))
	assert.False(t, n.Running())
	assert.Equal(t, 1, p.unsubscribed)
}

func TestNotifier_LastUnsubscribeStopsLoop(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	n := NewNotifier(p, nil)

	id, err := n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)
	require.NoError(t, n.Unsubscribe(ctx, id))
	assert.False(t, n.Running())
	assert.Equal(t, 1, p.unsubscribed)

	// A new callback starts a fresh loop.
	_, err = n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)
	assert.True(t, n.Running())
	require.NoError(t, n.Close(ctx))
}

func TestNotifier_CloseRetriesFailedUnsubscribe(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	n := NewNotifier(p, nil)

	id, err := n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)

	p.mu.Lock()
	p.unsubErr = common.ErrUnavailable
	p.mu.Unlock()
	require.ErrorIs(t, n.Unsubscribe(ctx, id), common.ErrUnavailable)
	assert.False(t, n.Running())

	p.mu.Lock()
	p.unsubErr = nil
	p.mu.Unlock()
	require.NoError(t, n.Close(ctx))
	assert.Equal(t, 2, p.unsubscribed)

	require.NoError(t, n.Close(ctx))
	assert.Equal(t, 2, p.unsubscribed, "nothing left to drop")
}

func TestNotifier_CloseAfterLoopStopped(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	p.pollErr = common.ErrInternalServer
	n := NewNotifier(p, nil)

	_, err := n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !n.Running() }, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Close(ctx))
	assert.Equal(t, 1, p.unsubscribed)
}

func TestNotifier_FailedSubscribeRollsBack(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	p.subErr = common.ErrNoSASFound
	n := NewNotifier(p, nil)

	_, err := n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.ErrorIs(t, err, common.ErrNoSASFound)
	assert.False(t, n.Running())
	require.NoError(t, n.Close(ctx))
	assert.Zero(t, p.unsubscribed)
}

func TestNotifier_LoopStopsOnError(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	p.pollErr = common.ErrInternalServer
	n := NewNotifier(p, nil)

	_, err := n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !n.Running() }, time.Second, 5*time.Millisecond)

	p.mu.Lock()
	p.pollErr = nil
	p.mu.Unlock()
	_, err = n.Subscribe(ctx, nil, func(context.Context, Event) {})
	require.NoError(t, err)
	assert.True(t, n.Running(), "the next subscribe restarts a stopped loop")
	require.NoError(t, n.Close(ctx))
}

func TestNotifier_CallbackMayUnsubscribe(t *testing.T) {
	ctx := context.Background()
	p := newFakePoller()
	n := NewNotifier(p, nil)

	var id CallbackID
	fired := make(chan struct{})
	var once sync.Once
	id, err := n.Subscribe(ctx, nil, func(ctx context.Context, _ Event) {
		once.Do(func() {
			assert.NoError(t, n.Unsubscribe(ctx, id))
			close(fired)
		})
	})
	require.NoError(t, err)
	p.events <- PrePushEvent{BriefcaseID: 2}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
	assert.False(t, n.Running())
}
