package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type grpcHandler func(ctx context.Context, method string, req *structpb.Struct) (any, error)

func newGRPCForTest(t *testing.T, h grpcHandler, tokens TokenProvider) *GRPC {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		out, err := h(stream.Context(), method, req)
		if err != nil {
			return err
		}
		resp, err := ToStruct(out)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	if tokens == nil {
		tokens = StaticToken("tok")
	}
	tr, err := NewGRPC(GRPCConfig{
		Address:    "passthrough:///bufnet",
		Repository: "repo-1",
		Tokens:     tokens,
		Retry:      retry.Transient{Retries: 1, Base: time.Millisecond},
		DialOpts: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestGRPC_QueryObjects(t *testing.T) {
	tr := newGRPCForTest(t, func(ctx context.Context, method string, req *structpb.Struct) (any, error) {
		assert.Equal(t, "/"+GRPCService+"/"+MethodQueryObjects, method)
		md, _ := metadata.FromIncomingContext(ctx)
		assert.Equal(t, []string{"Bearer tok"}, md.Get(common.AuthorizationHeaderName))
		assert.Equal(t, []string{"repo-1"}, md.Get(RepositoryHeader))

		var in GRPCObjectRequest
		require.NoError(t, FromStruct(req, &in))
		assert.Equal(t, ClassChangeSet, in.Class)
		assert.Equal(t, "Index gt 3", in.Filter)

		return WireInstances{Instances: []WireInstance{{InstanceID: "r4", ClassName: ClassChangeSet, Properties: map[string]any{"Index": 4}}}}, nil
	}, nil)

	q := NewQuery(ClassChangeSet)
	q.Filter = Gt("Index", 3)
	got, err := tr.QueryObjects(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 4, got[0].Int("Index"))
}

func TestGRPC_RemoteErrorFromTrailer(t *testing.T) {
	tr := newGRPCForTest(t, func(ctx context.Context, method string, req *structpb.Struct) (any, error) {
		data, _ := json.Marshal(map[string]any{"ConflictingCodes": []any{}})
		_ = grpc.SetTrailer(ctx, metadata.Pairs(TrailerErrorID, "iModelHub.CodeReservedByAnotherBriefcase", TrailerErrorData, string(data)))
		return nil, status.Error(codes.FailedPrecondition, "reserved")
	}, nil)

	_, err := tr.SendChangeset(context.Background(), Changeset{})
	require.ErrorIs(t, err, common.ErrCodeReservedByAnotherBriefcase)

	var re *common.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "reserved", re.Message)
	assert.Contains(t, re.Data, "ConflictingCodes")
}

func TestGRPC_RefreshOnUnauthenticated(t *testing.T) {
	tokens := func(ctx context.Context, force bool) (string, error) {
		if force {
			return "fresh", nil
		}
		return "stale", nil
	}
	tr := newGRPCForTest(t, func(ctx context.Context, method string, req *structpb.Struct) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		if md.Get(common.AuthorizationHeaderName)[0] != "Bearer fresh" {
			return nil, status.Error(codes.Unauthenticated, "expired")
		}
		return map[string]any{}, nil
	}, tokens)

	require.NoError(t, tr.DeleteObject(context.Background(), NewObjectID(ClassLock, "x")))
}

func TestGRPC_MapError(t *testing.T) {
	tr := newGRPCForTest(t, func(ctx context.Context, method string, req *structpb.Struct) (any, error) {
		return nil, status.Error(codes.PermissionDenied, "no")
	}, nil)

	err := tr.UpdateObject(context.Background(), NewInstance(ClassLock, "x", nil))
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestGRPC_FileTransferThroughURL(t *testing.T) {
	var stored []byte
	blob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			stored, _ = io.ReadAll(r.Body)
			return
		}
		_, _ = w.Write(stored)
	}))
	t.Cleanup(blob.Close)

	tr := newGRPCForTest(t, func(ctx context.Context, method string, req *structpb.Struct) (any, error) {
		var in GRPCObjectRequest
		require.NoError(t, FromStruct(req, &in))
		return GRPCFileURL{URL: blob.URL + "/" + in.ID + "?dir=" + in.Direction}, nil
	}, nil)

	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(src, []byte("xyz"), 0o600))

	id := NewObjectID(ClassChangeSet, "cs")
	require.NoError(t, tr.UploadFile(context.Background(), id, src, nil))

	dst := filepath.Join(dir, "b")
	require.NoError(t, tr.DownloadFile(context.Background(), id, dst, nil))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(b))
}
