package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/briefsync/internal/client/blob"
	"github.com/dmitrijs2005/briefsync/internal/client/config"
	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/localstore"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/prefetch"
	"github.com/dmitrijs2005/briefsync/internal/client/reservation"
	"github.com/dmitrijs2005/briefsync/internal/client/syncer"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/dmitrijs2005/briefsync/internal/retry"
)

// Options configure Open.
type Options struct {
	Config *config.Config

	// Tokens overrides the static access token of the config.
	Tokens     transport.TokenProvider
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Connection is one authenticated repository connection.
type Connection struct {
	cfg    *config.Config
	logger logging.Logger

	transport    transport.Transport
	blobs        *blob.Router
	reservations *reservation.Client
	engine       *syncer.Engine
	events       *events.Service
	notifier     *events.Notifier

	mu         sync.Mutex
	cache      *prefetch.Cache
	prefetchID events.CallbackID
}

// Open builds the transport named by the config and everything layered on
// it. Nothing is sent to the server yet.
func Open(opts Options) (*Connection, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("client: config is required")
	}
	if cfg.RepositoryID == "" {
		return nil, common.ErrInvalidRepositoryName
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	tokens := opts.Tokens
	if tokens == nil {
		if cfg.AccessToken == "" {
			return nil, common.ErrCredentialsNotSet
		}
		tokens = transport.StaticToken(cfg.AccessToken)
	}

	tr, err := newTransport(cfg, tokens, httpClient, logger)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:       cfg,
		logger:    logger.With("module", "client"),
		transport: tr,
		blobs:     blob.NewRouter(cfg.Blob, httpClient, logger),
	}
	c.reservations = reservation.New(tr, logger)
	c.engine = syncer.NewEngine(tr, c.blobs, c.reservations, syncer.Config{
		ServerURL:    serverURL(cfg),
		RepositoryID: cfg.RepositoryID,
		DownloadDir:  filepath.Join(cfg.WorkDir, "revisions"),
		Policy:       cfg.Policy(),
	}, logger)
	c.events = events.NewService(tr, events.Options{
		LongPollTimeout: cfg.Events.LongPollTimeout,
		AuthRetries:     cfg.Events.AuthRetries,
		HTTPClient:      httpClient,
		Logger:          logger,
	})
	c.notifier = events.NewNotifier(c.events, logger)
	return c, nil
}

func newTransport(cfg *config.Config, tokens transport.TokenProvider, httpClient *http.Client, logger logging.Logger) (transport.Transport, error) {
	rt := retry.DefaultTransient(logger)
	rt.Retries = uint64(max(cfg.Retry.TransportRetries, 0))

	switch cfg.Transport {
	case config.TransportGRPC:
		return transport.NewGRPC(transport.GRPCConfig{
			Address:        cfg.GRPCAddress,
			Repository:     cfg.RepositoryID,
			Tokens:         tokens,
			RequestTimeout: cfg.RequestTimeout,
			UploadTimeout:  cfg.UploadTimeout,
			HTTPClient:     httpClient,
			Retry:          rt,
			Logger:         logger,
		})
	case config.TransportHTTP, "":
		return transport.NewHTTP(transport.HTTPConfig{
			BaseURL:        cfg.ServerURL,
			Repository:     cfg.RepositoryID,
			Tokens:         tokens,
			RequestTimeout: cfg.RequestTimeout,
			UploadTimeout:  cfg.UploadTimeout,
			Client:         httpClient,
			Retry:          rt,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("client: unknown transport %q", cfg.Transport)
	}
}

func serverURL(cfg *config.Config) string {
	if cfg.Transport == config.TransportGRPC {
		return cfg.GRPCAddress
	}
	return cfg.ServerURL
}

func (c *Connection) Engine() *syncer.Engine            { return c.engine }
func (c *Connection) Reservations() *reservation.Client { return c.reservations }
func (c *Connection) Events() *events.Service           { return c.events }
func (c *Connection) Transport() transport.Transport    { return c.transport }
func (c *Connection) Config() *config.Config            { return c.cfg }

func (c *Connection) storeOptions() localstore.Options {
	return localstore.Options{WorkDir: filepath.Join(c.cfg.WorkDir, "staging"), Logger: c.logger}
}

// OpenBriefcase opens the briefcase file at the configured path.
func (c *Connection) OpenBriefcase(ctx context.Context) (*localstore.Store, error) {
	return localstore.Open(ctx, c.cfg.BriefcasePath, c.storeOptions())
}

// AcquireBriefcase registers a new briefcase and downloads it to the
// configured path. The store belongs to the caller.
func (c *Connection) AcquireBriefcase(ctx context.Context, progress netx.ProgressFunc) (*models.Briefcase, *localstore.Store, error) {
	var opened *localstore.Store
	open := func(ctx context.Context, path string) (syncer.LocalStore, error) {
		s, err := localstore.Open(ctx, path, c.storeOptions())
		if err != nil {
			return nil, err
		}
		opened = s
		return s, nil
	}
	bc, _, err := c.engine.AcquireBriefcase(ctx, c.cfg.BriefcasePath, open, progress)
	if err != nil {
		return nil, nil, err
	}
	return bc, opened, nil
}

// Watch registers cb for events of the given types; no types means every
// type.
func (c *Connection) Watch(ctx context.Context, types []events.Type, cb events.Callback) (events.CallbackID, error) {
	return c.notifier.Subscribe(ctx, types, cb)
}

// Unwatch removes a callback registered with Watch.
func (c *Connection) Unwatch(ctx context.Context, id events.CallbackID) error {
	return c.notifier.Unsubscribe(ctx, id)
}

// EnablePrefetch makes pushed revisions download into the prefetch cache
// as soon as their events arrive. Pulls then claim those files. Calling
// it again is a no-op.
func (c *Connection) EnablePrefetch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		return nil
	}

	cache, err := prefetch.New(c.engine, prefetch.Options{
		Dir:        c.cfg.Prefetch.Dir,
		MaxBytes:   c.cfg.Prefetch.MaxBytes,
		StaleAfter: c.cfg.Prefetch.StaleAfter,
		Logger:     c.logger,
	})
	if err != nil {
		return err
	}
	id, err := c.notifier.Subscribe(ctx, []events.Type{events.TypeRevisionPushed}, cache.OnEvent)
	if err != nil {
		return fmt.Errorf("enable prefetch: %w", err)
	}
	c.engine.SetPrefetcher(cache)
	c.cache, c.prefetchID = cache, id
	c.logger.Info(ctx, "revision prefetch enabled", "dir", cache.Dir())
	return nil
}

// Prefetch returns the prefetch cache, or nil when prefetch is off.
func (c *Connection) Prefetch() *prefetch.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache
}

// DisablePrefetch stops feeding the cache. Files already cached stay and
// are still claimed by pulls.
func (c *Connection) DisablePrefetch(ctx context.Context) error {
	c.mu.Lock()
	cache, id := c.cache, c.prefetchID
	c.cache, c.prefetchID = nil, 0
	c.mu.Unlock()
	if cache == nil {
		return nil
	}
	err := c.notifier.Unsubscribe(ctx, id)
	cache.Wait()
	return err
}

// Close stops event polling, waits for background prefetches and closes
// the transport.
func (c *Connection) Close(ctx context.Context) error {
	err := c.notifier.Close(ctx)
	if cache := c.Prefetch(); cache != nil {
		cache.Wait()
	}
	return errors.Join(err, c.transport.Close())
}
