package prefetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/google/uuid"
)

const (
	DefaultMaxBytes   int64 = 512 << 20
	DefaultStaleAfter       = 10 * time.Minute

	fileExtension = ".rev"
	tmpExtension  = ".tmp"
)

// Fetcher downloads and verifies the file of a revision.
type Fetcher interface {
	FetchRevisionFile(ctx context.Context, id, path string, progress netx.ProgressFunc) error
}

// Options configure a Cache.
type Options struct {
	Dir string
	// MaxBytes is the size the cache is evicted down to after each write.
	MaxBytes int64
	// StaleAfter is the age after which a lock file is considered abandoned.
	StaleAfter time.Duration
	Logger     logging.Logger
}

// Cache is a directory of prefetched revision files.
type Cache struct {
	dir     string
	opts    Options
	fetcher Fetcher
	logger  logging.Logger

	// owner is written into lock files taken by this cache.
	owner string
	now   func() time.Time

	wg sync.WaitGroup
}

// New creates the cache directory if needed.
func New(fetcher Fetcher, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("prefetch: cache dir is required")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	dir, err := filex.EnsureDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &Cache{
		dir:     dir,
		opts:    opts,
		fetcher: fetcher,
		logger:  opts.Logger.With("module", "prefetch"),
		owner:   uuid.NewString(),
		now:     time.Now,
	}, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) path(id string) string {
	return filepath.Join(c.dir, id+fileExtension)
}

// Has reports whether the file of id is cached.
func (c *Cache) Has(id string) bool {
	return filex.Exists(c.path(id))
}

// TryClaim moves the cached file of revisionID to targetPath. It returns
// false, leaving everything in place, when nothing is cached or
// targetPath already exists.
func (c *Cache) TryClaim(ctx context.Context, targetPath, revisionID string) (bool, error) {
	unlock, err := c.lock(ctx, revisionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	src := c.path(revisionID)
	if !filex.Exists(src) || filex.Exists(targetPath) {
		metrics.PrefetchClaims.WithLabelValues("miss").Inc()
		return false, nil
	}
	if err := filex.MoveFile(src, targetPath); err != nil {
		return false, fmt.Errorf("claim %s: %w", revisionID, err)
	}
	metrics.PrefetchClaims.WithLabelValues("hit").Inc()
	c.logger.Debug(ctx, "prefetched revision claimed", "revision", revisionID)
	return true, nil
}

// Prefetch downloads the file of revisionID into the cache unless it is
// already there, then evicts old files.
func (c *Cache) Prefetch(ctx context.Context, revisionID string) error {
	unlock, err := c.lock(ctx, revisionID)
	if err != nil {
		return err
	}
	defer unlock()

	dst := c.path(revisionID)
	if filex.Exists(dst) {
		metrics.PrefetchDownloads.WithLabelValues("cached").Inc()
		return nil
	}

	tmp := dst + "." + uuid.NewString() + tmpExtension
	if err := c.fetcher.FetchRevisionFile(ctx, revisionID, tmp, nil); err != nil {
		_ = os.Remove(tmp)
		metrics.PrefetchDownloads.WithLabelValues(metrics.OutcomeError).Inc()
		return fmt.Errorf("prefetch %s: %w", revisionID, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		metrics.PrefetchDownloads.WithLabelValues(metrics.OutcomeError).Inc()
		return fmt.Errorf("prefetch %s: %w", revisionID, err)
	}
	metrics.PrefetchDownloads.WithLabelValues(metrics.OutcomeOK).Inc()
	c.logger.Debug(ctx, "revision prefetched", "revision", revisionID)

	c.evict(ctx, revisionID)
	return nil
}

// evict deletes cached files, oldest first, until the cache fits MaxBytes.
// The file of keep, files being worked on and the last remaining file are
// never deleted.
func (c *Cache) evict(ctx context.Context, keep string) {
	files, err := filex.ListFiles(c.dir, func(name string) bool {
		return !strings.HasSuffix(name, fileExtension)
	})
	if err != nil {
		c.logger.Warn(ctx, "list prefetch cache", "error", err)
		return
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	remaining := len(files)
	for _, f := range files {
		if total <= c.opts.MaxBytes || remaining <= 1 {
			return
		}
		id := strings.TrimSuffix(filepath.Base(f.Path), fileExtension)
		if id == keep || c.locked(id) {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			c.logger.Warn(ctx, "evict prefetched revision", "revision", id, "error", err)
			continue
		}
		total -= f.Size
		remaining--
		metrics.PrefetchEvictions.Inc()
		c.logger.Debug(ctx, "prefetched revision evicted", "revision", id, "size", f.Size)
	}
}

// OnEvent is an events.Callback that prefetches announced revisions in
// the background.
func (c *Cache) OnEvent(ctx context.Context, ev events.Event) {
	re, ok := ev.(events.RevisionEvent)
	if !ok || re.RevisionID == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Prefetch(ctx, re.RevisionID); err != nil && ctx.Err() == nil {
			c.logger.Warn(ctx, "prefetch failed", "revision", re.RevisionID, "error", err)
		}
	}()
}

// Wait blocks until background prefetches started by OnEvent finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}
