package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultLongPollTimeout = 30 * time.Second
	DefaultAuthRetries     = 3
)

// Options tune a Service.
type Options struct {
	// LongPollTimeout is how long the channel may hold a receive open.
	LongPollTimeout time.Duration
	// AuthRetries bounds token refreshes after the channel rejects a receive.
	AuthRetries int

	HTTPClient *http.Client
	Logger     logging.Logger
}

// Subscription is the remote event subscription.
type Subscription struct {
	ID    string
	Types TypeSet
}

// SAS grants access to the notification channel.
type SAS struct {
	BaseAddress string
	Token       string
}

// Service manages the event subscription of one repository connection.
type Service struct {
	transport transport.Transport
	http      *http.Client
	opts      Options
	logger    logging.Logger

	// now is replaced in tests.
	now func() time.Time

	mu  sync.Mutex
	sub *Subscription
	sas *SAS
}

// NewService returns a service that is not subscribed yet.
func NewService(t transport.Transport, opts Options) *Service {
	if opts.LongPollTimeout <= 0 {
		opts.LongPollTimeout = DefaultLongPollTimeout
	}
	if opts.AuthRetries <= 0 {
		opts.AuthRetries = DefaultAuthRetries
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Service{
		transport: t,
		http:      opts.HTTPClient,
		opts:      opts,
		logger:    opts.Logger.With("module", "events"),
		now:       time.Now,
	}
}

// Subscription returns the current subscription, if any.
func (s *Service) Subscription() (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return Subscription{}, false
	}
	return *s.sub, true
}

// Subscribe creates the subscription, or updates it when types differ from
// the subscribed set, and fetches an access token if none is held. On
// failure an existing subscription is left as it was and one created by
// this call is dropped again.
func (s *Service) Subscribe(ctx context.Context, types TypeSet) error {
	if s.transport == nil {
		return common.ErrInvalidRepositoryConnection
	}
	types = NewTypeSet(types...)

	s.mu.Lock()
	defer s.mu.Unlock()

	created := false
	if s.sub == nil || !s.sub.Types.Equal(types) {
		state, id := transport.ChangeCreated, ""
		if s.sub != nil {
			state, id = transport.ChangeModified, s.sub.ID
		}
		sub, err := s.sendSubscription(ctx, state, id, types)
		if err != nil {
			return err
		}
		s.logger.Debug(ctx, "event subscription saved", "subscription", sub.ID, "types", strings.Join(types.Names(), ","))
		s.sub = sub
		created = state == transport.ChangeCreated
	}

	if s.sas == nil {
		sas, err := s.fetchSAS(ctx)
		if err != nil {
			if created {
				id := s.sub.ID
				s.sub = nil
				if derr := s.deleteSubscription(context.WithoutCancel(ctx), id); derr != nil {
					s.logger.Warn(ctx, "drop orphaned event subscription", "subscription", id, "error", derr)
				}
			}
			return err
		}
		s.sas = sas
	}
	return nil
}

func (s *Service) sendSubscription(ctx context.Context, state transport.ChangeState, id string, types TypeSet) (*Subscription, error) {
	var cs transport.Changeset
	cs.Add(state, transport.NewInstance(transport.ClassEventSubscription, id, map[string]any{
		transport.PropEventTypes: types.Names(),
	}))
	res, err := s.transport.SendChangeset(ctx, cs)
	if err != nil {
		return nil, fmt.Errorf("event subscription: %w", err)
	}
	if len(res) == 0 || res[0].ID == "" {
		if id == "" {
			return nil, fmt.Errorf("event subscription: %w", common.ErrNoSubscriptionFound)
		}
		return &Subscription{ID: id, Types: types}, nil
	}
	got := make([]Type, 0, len(types))
	for _, n := range res[0].Strs(transport.PropEventTypes) {
		got = append(got, ParseType(n))
	}
	return &Subscription{ID: res[0].ID, Types: NewTypeSet(got...)}, nil
}

func (s *Service) fetchSAS(ctx context.Context) (*SAS, error) {
	inst := transport.NewInstance(transport.ClassEventSAS, "", map[string]any{transport.PropSASToken: ""})
	res, err := s.transport.CreateObject(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("event access token: %w", err)
	}
	sas := &SAS{BaseAddress: res.Str(transport.PropBaseAddress), Token: res.Str(transport.PropSASToken)}
	if sas.BaseAddress == "" || sas.Token == "" {
		return nil, common.ErrNoSASFound
	}
	return sas, nil
}

// RefreshSAS replaces the access token of the notification channel.
func (s *Service) RefreshSAS(ctx context.Context) error {
	sas, err := s.fetchSAS(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sas = sas
	s.mu.Unlock()
	return nil
}

// Unsubscribe drops the remote subscription and the access token. When
// the remote delete fails the subscription is kept so a later call can
// try again.
func (s *Service) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	if err := s.deleteSubscription(ctx, s.sub.ID); err != nil {
		return err
	}
	s.sub, s.sas = nil, nil
	return nil
}

func (s *Service) deleteSubscription(ctx context.Context, id string) error {
	err := s.transport.DeleteObject(ctx, transport.NewObjectID(transport.ClassEventSubscription, id))
	if err != nil && !errors.Is(err, common.ErrNoSubscriptionFound) {
		return fmt.Errorf("drop event subscription %s: %w", id, err)
	}
	return nil
}

// expired reports whether a JWT-shaped token is past its exp claim.
// Opaque tokens never expire here; the channel rejects them instead.
func expired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.After(now)
}

// GetEvent receives one event. With longPoll the channel may hold the
// request open until an event arrives. ErrNoEventsFound means nothing was
// received.
func (s *Service) GetEvent(ctx context.Context, longPoll bool) (Event, error) {
	s.mu.Lock()
	sub, sas := s.sub, s.sas
	s.mu.Unlock()
	if sub == nil {
		return nil, common.ErrNotSubscribedToEvents
	}

	if sas == nil || expired(sas.Token, s.now()) {
		if err := s.RefreshSAS(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sas = s.sas
		s.mu.Unlock()
	}

	for attempt := 0; ; attempt++ {
		ev, err := s.receive(ctx, sub.ID, sas, longPoll)
		if !errors.Is(err, common.ErrUnauthorized) || attempt >= s.opts.AuthRetries {
			metrics.EventPolls.WithLabelValues(pollOutcome(ev, err)).Inc()
			return ev, err
		}
		s.logger.Debug(ctx, "event channel rejected token, refreshing", "attempt", attempt+1)
		if err := s.RefreshSAS(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sas = s.sas
		s.mu.Unlock()
	}
}

func pollOutcome(ev Event, err error) string {
	switch {
	case err == nil && ev != nil:
		return "event"
	case errors.Is(err, common.ErrNoEventsFound):
		return "empty"
	case errors.Is(err, common.ErrUnauthorized):
		return "unauthorized"
	default:
		return metrics.OutcomeError
	}
}

func (s *Service) receive(ctx context.Context, subID string, sas *SAS, longPoll bool) (Event, error) {
	timeout := 0
	if longPoll {
		timeout = int(s.opts.LongPollTimeout / time.Second)
	}
	u := strings.TrimRight(sas.BaseAddress, "/") + "/Subscriptions/" + url.PathEscape(subID) +
		"/messages/head?timeout=" + strconv.Itoa(timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", sas.Token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, netx.NetworkError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, netx.NetworkError(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if len(body) == 0 {
			return nil, common.ErrNoEventsFound
		}
		ev := Parse(resp.Header.Get("Content-Type"), body)
		if ev == nil {
			s.logger.Debug(ctx, "dropping unknown event", "content_type", resp.Header.Get("Content-Type"))
			return nil, common.ErrNoEventsFound
		}
		return ev, nil
	case http.StatusNoContent:
		return nil, common.ErrNoEventsFound
	case http.StatusUnauthorized:
		return nil, common.ErrUnauthorized
	default:
		return nil, netx.StatusError("receive event", resp, body)
	}
}
