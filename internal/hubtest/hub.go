package hubtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/briefsync/internal/client/events"
	"github.com/dmitrijs2005/briefsync/internal/client/localstore"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// Options configure a Hub.
type Options struct {
	Repository string
	Token      string

	// AccessKeys makes the hub hand out presigned blob URLs with files, as
	// a hub backed by object storage does.
	AccessKeys bool
	// PendingTimeout is how long an unfinished push blocks other
	// briefcases.
	PendingTimeout time.Duration
	SASLifetime    time.Duration

	Logger logging.Logger
}

type revision struct {
	id           string
	parentID     string
	masterFileID string
	description  string
	user         string
	index        int64
	briefcase    models.BriefcaseID
	fileSize     int64
	containing   int64
	created      time.Time
	pushDate     time.Time
}

type briefcase struct {
	id       models.BriefcaseID
	merged   string
	acquired time.Time
}

// Hub is an in-memory repository served over HTTP and gRPC.
type Hub struct {
	opts   Options
	logger logging.Logger
	now    func() time.Time

	mu            sync.Mutex
	token         string
	masterFileID  string
	seed          []byte
	chain         []*revision
	byID          map[string]*revision
	pending       map[models.BriefcaseID]*revision
	briefcases    map[models.BriefcaseID]*briefcase
	nextBriefcase models.BriefcaseID
	auth          *authority
	subs          map[string]*subscription
	files         map[string][]byte
	failures      map[string][]string
	sasSecret     []byte

	http     *httptest.Server
	grpc     *grpc.Server
	grpcAddr string
	presign  *s3.PresignClient
}

// New starts a hub with an empty history and stops it when tb ends.
func New(tb testing.TB, opts Options) *Hub {
	tb.Helper()
	if opts.Repository == "" {
		opts.Repository = "repo-1"
	}
	if opts.Token == "" {
		opts.Token = "hub-token"
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = time.Minute
	}
	if opts.SASLifetime <= 0 {
		opts.SASLifetime = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	h := &Hub{
		opts:          opts,
		logger:        opts.Logger.With("module", "hubtest"),
		now:           time.Now,
		token:         opts.Token,
		masterFileID:  uuid.NewString(),
		byID:          map[string]*revision{},
		pending:       map[models.BriefcaseID]*revision{},
		briefcases:    map[models.BriefcaseID]*briefcase{},
		nextBriefcase: models.StandaloneBriefcaseID + 1,
		auth:          newAuthority(),
		subs:          map[string]*subscription{},
		files:         map[string][]byte{},
		failures:      map[string][]string{},
		sasSecret:     make([]byte, 32),
	}
	_, _ = rand.Read(h.sasSecret)

	seed, err := h.buildSeed(tb.TempDir())
	if err != nil {
		tb.Fatalf("hubtest: build seed: %v", err)
	}
	h.seed = seed

	h.http = httptest.NewServer(h.routes())
	tb.Cleanup(h.http.Close)
	h.presign = newPresignClient(h.http.URL + blobPrefix)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("hubtest: listen: %v", err)
	}
	h.grpcAddr = lis.Addr().String()
	h.grpc = h.newGRPCServer()
	go func() { _ = h.grpc.Serve(lis) }()
	tb.Cleanup(h.grpc.Stop)

	return h
}

// buildSeed creates the empty master briefcase every acquisition starts
// from.
func (h *Hub) buildSeed(dir string) ([]byte, error) {
	ctx := context.Background()
	path := filepath.Join(dir, "seed.bim")
	store, err := localstore.Open(ctx, path, localstore.Options{WorkDir: filepath.Join(dir, "work")})
	if err != nil {
		return nil, err
	}
	if err := store.SetMasterFileID(ctx, h.masterFileID); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.SetParentRevision(ctx, "", 0); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// URL is the base address of the HTTP protocol.
func (h *Hub) URL() string { return h.http.URL }

// GRPCAddr is the address of the gRPC protocol.
func (h *Hub) GRPCAddr() string { return h.grpcAddr }

func (h *Hub) Repository() string { return h.opts.Repository }

func (h *Hub) MasterFileID() string { return h.masterFileID }

// Token returns the currently accepted access token.
func (h *Hub) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// RotateToken invalidates the current token and returns the new one.
func (h *Hub) RotateToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = uuid.NewString()
	return h.token
}

// FailNext makes the next request touching class fail with the remote
// error errID. Calls queue up.
func (h *Hub) FailNext(class, errID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[class] = append(h.failures[class], errID)
}

// injected pops a queued failure for class. h.mu must be held.
func (h *Hub) injected(class string) error {
	q := h.failures[class]
	if len(q) == 0 {
		return nil
	}
	h.failures[class] = q[1:]
	return conflict(q[0], "injected failure")
}

// Tip returns the newest revision, "" and 0 for an empty history.
func (h *Hub) Tip() (string, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tipLocked()
}

func (h *Hub) tipLocked() (string, int64) {
	if len(h.chain) == 0 {
		return "", 0
	}
	r := h.chain[len(h.chain)-1]
	return r.id, r.index
}

// Revisions returns the pushed revision ids in order.
func (h *Hub) Revisions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.chain))
	for _, r := range h.chain {
		out = append(out, r.id)
	}
	return out
}

// Locks returns the locks bc holds above None.
func (h *Hub) Locks(bc models.BriefcaseID) []models.Lock {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.Lock
	for id, rows := range h.auth.locks {
		if row, ok := rows[bc]; ok && row.level != models.LockLevelNone {
			out = append(out, h.auth.lockModel(id, bc, row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Codes returns every code the authority knows of bc.
func (h *Hub) Codes(bc models.BriefcaseID) []models.CodeInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.CodeInfo
	for code, row := range h.auth.codes {
		if row.briefcase == bc {
			out = append(out, models.CodeInfo{Code: code, State: row.state, BriefcaseID: bc, RevisionID: row.revision})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code.String() < out[j].Code.String() })
	return out
}

// Publish queues ev for every matching subscription.
func (h *Hub) Publish(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(ev)
}

func (h *Hub) indexLocked(id string) (int64, bool) {
	if id == "" {
		return 0, true
	}
	if r, ok := h.byID[id]; ok {
		return r.index, true
	}
	for _, p := range h.pending {
		if p.id == id {
			return p.index, true
		}
	}
	return 0, false
}

func fileKey(class, id string) string {
	return fmt.Sprintf("%s/%s", class, id)
}
