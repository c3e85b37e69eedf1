package hubtest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// eventPrefix is where the notification channel is served.
const eventPrefix = "/events"

// maxPollWait caps the long-poll timeout a client may ask for.
const maxPollWait = 30 * time.Second

type message struct {
	contentType string
	body        []byte
}

type subscription struct {
	types  events.TypeSet
	queue  []message
	signal chan struct{}
}

func (s *subscription) push(m message) {
	s.queue = append(s.queue, m)
	close(s.signal)
	s.signal = make(chan struct{})
}

func (h *Hub) publishLocked(ev events.Event) {
	ct, body, err := events.Encode(ev)
	if err != nil {
		h.logger.Warn(context.Background(), "event not encoded", "error", err)
		return
	}
	for _, s := range h.subs {
		if s.types.Matches(ev.EventType()) {
			s.push(message{contentType: ct, body: body})
		}
	}
}

// saveSubscription validates a subscription change. The returned func
// applies it once the whole changeset succeeded.
func (h *Hub) saveSubscription(inst transport.Instance) (transport.Instance, func(), error) {
	var types []events.Type
	for _, n := range inst.Strs(transport.PropEventTypes) {
		types = append(types, events.ParseType(n))
	}
	set := events.NewTypeSet(types...)

	id := inst.ID
	var apply func()
	if inst.State == transport.ChangeCreated || id == "" {
		id = uuid.NewString()
		apply = func() { h.subs[id] = &subscription{types: set, signal: make(chan struct{})} }
	} else {
		sub, ok := h.subs[id]
		if !ok {
			return transport.Instance{}, nil, notFound(ErrIDNoSubscriptionFound, "subscription %s", id)
		}
		apply = func() { sub.types = set }
	}

	out := transport.NewInstance(transport.ClassEventSubscription, id, map[string]any{
		transport.PropEventTypes: set.Names(),
	})
	return out, apply, nil
}

func (h *Hub) createSAS() (transport.Instance, error) {
	token, err := generateSAS(h.opts.Repository, h.sasSecret, h.now(), h.opts.SASLifetime)
	if err != nil {
		return transport.Instance{}, newError(ErrIDInternalServerError, http.StatusInternalServerError, "sign sas: %v", err)
	}
	return transport.NewInstance(transport.ClassEventSAS, "", map[string]any{
		transport.PropBaseAddress: h.http.URL + eventPrefix,
		transport.PropSASToken:    token,
	}), nil
}

// Subscriptions returns the number of live subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handlePoll takes the head message of a subscription queue, waiting up
// to the requested timeout for one to arrive.
func (h *Hub) handlePoll(w http.ResponseWriter, r *http.Request) {
	if err := checkSAS(r.Header.Get("Authorization"), h.opts.Repository, h.sasSecret, h.now()); err != nil {
		http.Error(w, "invalid sas token", http.StatusUnauthorized)
		return
	}

	var wait time.Duration
	if n, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && n > 0 {
		wait = min(time.Duration(n)*time.Second, maxPollWait)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	id := chi.URLParam(r, "id")
	for {
		h.mu.Lock()
		sub, ok := h.subs[id]
		if !ok {
			h.mu.Unlock()
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		if len(sub.queue) > 0 {
			m := sub.queue[0]
			sub.queue = sub.queue[1:]
			h.mu.Unlock()
			w.Header().Set("Content-Type", strings.TrimSpace(m.contentType))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(m.body)
			return
		}
		signal := sub.signal
		h.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}
