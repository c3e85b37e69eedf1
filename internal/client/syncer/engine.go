package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/blob"
	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/retry"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalStore is the briefcase as seen by the engine.
type LocalStore interface {
	BriefcaseID(ctx context.Context) (models.BriefcaseID, error)
	ParentRevisionID(ctx context.Context) (string, error)
	MasterFileID(ctx context.Context) (string, error)
	IsReadOnly(ctx context.Context) (bool, error)
	IsOpen() bool

	StartCreateRevision(ctx context.Context) (*models.Revision, error)
	FinishCreateRevision(ctx context.Context) error
	AbandonCreateRevision(ctx context.Context) error
	// StagedRevision is the revision between StartCreateRevision and
	// Finish or Abandon, or nil.
	StagedRevision() *models.Revision
	MergeRevision(ctx context.Context, rev *models.Revision) error

	ChangeBriefcaseID(ctx context.Context, id models.BriefcaseID) error
	SaveLocalValue(ctx context.Context, key, value string) error
	Close() error
}

// Reservations re-acquires locks and codes during push.
type Reservations interface {
	AcquireCodesLocks(ctx context.Context, locks []models.Lock, codes []models.Code,
		bc models.BriefcaseID, masterFileID, lastRevisionID string) error
}

// Prefetcher hands over revision files downloaded ahead of time.
type Prefetcher interface {
	TryClaim(ctx context.Context, targetPath, revisionID string) (bool, error)
}

// Config tunes an Engine.
type Config struct {
	// ServerURL and RepositoryID are saved into acquired briefcases.
	ServerURL    string
	RepositoryID string

	// DownloadDir receives downloaded revision files.
	DownloadDir string

	Policy retry.Policy

	// MaxConcurrentDownloads bounds parallel revision downloads.
	MaxConcurrentDownloads int

	RevisionCacheSize int
	RevisionCacheTTL  time.Duration
}

// DefaultMaxConcurrentDownloads is used when the config leaves it unset.
const DefaultMaxConcurrentDownloads = 4

// Engine runs sync operations for one repository.
type Engine struct {
	transport    transport.Transport
	blobs        blob.Store
	reservations Reservations
	cfg          Config
	logger       logging.Logger

	revisions *expirable.LRU[string, models.Revision]

	mu       sync.RWMutex
	prefetch Prefetcher
}

// NewEngine returns an engine. blobs and reservations may be nil: files
// then always go through the transport and push never re-acquires.
func NewEngine(t transport.Transport, blobs blob.Store, res Reservations, cfg Config, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.RevisionCacheSize <= 0 {
		cfg.RevisionCacheSize = 1024
	}
	if cfg.RevisionCacheTTL <= 0 {
		cfg.RevisionCacheTTL = time.Hour
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(".", "revisions")
	}

	return &Engine{
		transport:    t,
		blobs:        blobs,
		reservations: res,
		cfg:          cfg,
		logger:       logger.With("module", "syncer"),
		revisions:    expirable.NewLRU[string, models.Revision](cfg.RevisionCacheSize, nil, cfg.RevisionCacheTTL),
	}
}

// SetPrefetcher makes downloads try p before fetching a file.
func (e *Engine) SetPrefetcher(p Prefetcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefetch = p
}

func (e *Engine) prefetcher() Prefetcher {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefetch
}

// observe records the outcome of one engine operation.
func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error, args ...any) {
	elapsed := time.Since(start)
	metrics.SyncOperations.WithLabelValues(op, metrics.Outcome(err)).Inc()
	metrics.SyncDuration.WithLabelValues(op).Observe(elapsed.Seconds())

	args = append(args, "elapsed_ms", elapsed.Milliseconds())
	switch {
	case err == nil:
	case common.IsRetryable(err):
		e.logger.Warn(ctx, op+" failed", append(args, "error", err)...)
		return
	default:
		e.logger.Error(ctx, op+" failed", append(args, "error", err)...)
		return
	}
	e.logger.Info(ctx, op+" complete", args...)
}
