package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	lockExtension  = ".lock"
	staleExtension = ".stale-"
)

// lockPollInterval is how often a busy lock file is retried.
var lockPollInterval = 20 * time.Millisecond

func (c *Cache) lockPath(id string) string {
	return c.path(id) + lockExtension
}

// lock acquires the lock file of id and returns its release function.
func (c *Cache) lock(ctx context.Context, id string) (func(), error) {
	path := c.lockPath(id)
	token := c.owner + " " + c.now().UTC().Format(time.RFC3339Nano)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o660)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			return func() { c.unlock(path, token) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		if c.breakStale(path) {
			continue
		}

		t := time.NewTimer(lockPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// breakStale removes the lock file at path when it is older than the stale
// threshold. The file is first renamed to a tombstone only one breaker can
// win. A tombstone that turns out to hold a fresh lock is put back.
func (c *Cache) breakStale(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Released meanwhile.
		return errors.Is(err, fs.ErrNotExist)
	}
	if c.now().Sub(info.ModTime()) < c.opts.StaleAfter {
		return false
	}

	tomb := path + staleExtension + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		// Another process broke or released it first.
		return errors.Is(err, fs.ErrNotExist)
	}

	taken, err := os.Stat(tomb)
	if err == nil && c.now().Sub(taken.ModTime()) < c.opts.StaleAfter {
		// Replaced by a live lock between the checks.
		if err := os.Link(tomb, path); err != nil {
			c.logger.Warn(context.Background(), "restore prefetch lock", "path", path, "error", err)
		}
		_ = os.Remove(tomb)
		return false
	}

	_ = os.Remove(tomb)
	c.logger.Warn(context.Background(), "removed stale prefetch lock", "path", path, "age", c.now().Sub(info.ModTime()).String())
	return true
}

// unlock removes the lock file unless another owner took it over.
func (c *Cache) unlock(path, token string) {
	b, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(b)) != token {
		return
	}
	_ = os.Remove(path)
}

// locked reports whether some process holds the lock of id.
func (c *Cache) locked(id string) bool {
	_, err := os.Stat(c.lockPath(id))
	return err == nil
}
