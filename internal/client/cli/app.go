package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dmitrijs2005/briefsync/internal/client/client"
	"github.com/dmitrijs2005/briefsync/internal/client/config"
	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/localstore"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/logging"
)

// getToken is an indirection used to facilitate testing.
var getToken = GetToken

// App is the REPL state: one connection and at most one open briefcase.
type App struct {
	cfg    *config.Config
	conn   *client.Connection
	logger logging.Logger

	mu      sync.Mutex
	store   *localstore.Store
	watchID events.CallbackID
}

// NewApp asks for the access token when the config has none, connects to
// the repository and opens the briefcase at the configured path if it
// exists.
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if cfg.AccessToken == "" {
		tok, err := getToken(output)
		if err != nil {
			return nil, err
		}
		cfg.AccessToken = tok
	}

	conn, err := client.Open(client.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, err
	}
	a := newApp(cfg, conn, logger)

	if filex.Exists(cfg.BriefcasePath) {
		store, err := conn.OpenBriefcase(ctx)
		if err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("open briefcase %s: %w", cfg.BriefcasePath, err)
		}
		a.store = store
	}
	if cfg.Prefetch.Enabled {
		if err := conn.EnablePrefetch(ctx); err != nil {
			a.logger.Warn(ctx, "prefetch not enabled", "error", err)
		}
	}
	return a, nil
}

func newApp(cfg *config.Config, conn *client.Connection, logger logging.Logger) *App {
	if logger == nil {
		logger = logging.Discard()
	}
	return &App{cfg: cfg, conn: conn, logger: logger.With("module", "cli")}
}

// Run starts the REPL on stdin and blocks until the user exits.
func (a *App) Run(ctx context.Context) {
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error(ctx, "close", "error", err)
		}
	}()

	printlnFn("Welcome to briefsync (type 'help' for commands)")
	runREPL(ctx, a, a.status, bufio.NewScanner(os.Stdin))
}

// Close closes the briefcase and the connection.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	store := a.store
	a.store = nil
	a.mu.Unlock()

	var errs []error
	if store != nil {
		errs = append(errs, store.Close())
	}
	errs = append(errs, a.conn.Close(ctx))
	return errors.Join(errs...)
}

func (a *App) briefcase() *localstore.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

func (a *App) hasBriefcase() bool {
	return a.briefcase() != nil
}

func (a *App) status() string {
	store := a.briefcase()
	if store == nil {
		return "(no briefcase)"
	}
	ctx := context.Background()
	bc, err := store.BriefcaseID(ctx)
	if err != nil {
		return "(?)"
	}
	pending, _ := store.HasPendingChanges(ctx)
	if pending {
		return fmt.Sprintf("(briefcase %s*)", bc)
	}
	return fmt.Sprintf("(briefcase %s)", bc)
}
