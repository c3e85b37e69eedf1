package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// objectServer stores bodies by request path, which covers both presigned
// URLs and path-style S3 requests.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newObjectServer(t *testing.T) (*objectServer, *httptest.Server) {
	t.Helper()
	s := &objectServer{objects: map[string][]byte{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		s.objects[r.URL.Path] = b
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		b, ok := s.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(b)))
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *objectServer) get(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.objects[path])
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestRouter_PresignedURL(t *testing.T) {
	store, srv := newObjectServer(t)
	r := NewRouter(Options{}, srv.Client(), logging.Discard())

	src := writeTemp(t, "revision-bytes")
	key := srv.URL + "/bucket/rev1?X-Amz-Signature=abc"

	var up int64
	require.NoError(t, r.Upload(context.Background(), key, src, func(done, total int64) { up = done }))
	assert.EqualValues(t, len("revision-bytes"), up)
	assert.Equal(t, "revision-bytes", store.get("/bucket/rev1"))

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, r.Download(context.Background(), key, dst, nil))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "revision-bytes", string(b))
}

func TestRouter_S3AccessKey(t *testing.T) {
	store, srv := newObjectServer(t)
	r := NewRouter(Options{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	}, srv.Client(), nil)

	src := writeTemp(t, "seed")
	require.NoError(t, r.Upload(context.Background(), "s3://files/seed/1", src, nil))
	assert.Equal(t, "seed", store.get("/files/seed/1"))

	dst := filepath.Join(t.TempDir(), "dst")
	var down int64
	require.NoError(t, r.Download(context.Background(), "s3://files/seed/1", dst, func(done, total int64) { down = done }))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "seed", string(b))
	assert.EqualValues(t, 4, down)
}

func TestRouter_DownloadStatusMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	r := NewRouter(Options{}, srv.Client(), nil)
	err := r.Download(context.Background(), srv.URL+"/x", filepath.Join(t.TempDir(), "d"), nil)
	require.ErrorIs(t, err, common.ErrUnavailable)
}

func TestRouter_UnsupportedKey(t *testing.T) {
	r := NewRouter(Options{}, nil, nil)
	for _, key := range []string{"ftp://host/x", "s3://bucket", "::bad"} {
		t.Run(key, func(t *testing.T) {
			err := r.Download(context.Background(), key, filepath.Join(t.TempDir(), "d"), nil)
			require.ErrorIs(t, err, ErrUnsupportedAccessKey)
		})
	}
}
