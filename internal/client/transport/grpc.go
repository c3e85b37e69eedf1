package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/dmitrijs2005/briefsync/internal/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCService is the full name of the repository service.
const GRPCService = "briefsync.v1.Repository"

// Methods of GRPCService. Requests and responses are google.protobuf.Struct
// values holding the same documents as the HTTP protocol.
const (
	MethodCreateObject  = "CreateObject"
	MethodQueryObjects  = "QueryObjects"
	MethodUpdateObject  = "UpdateObject"
	MethodDeleteObject  = "DeleteObject"
	MethodSendChangeset = "SendChangeset"
	MethodFileURL       = "FileURL"
)

// Metadata keys used by the gRPC protocol.
const (
	RepositoryHeader = "x-repository"
	TrailerErrorID   = "x-error-id"
	TrailerErrorData = "x-error-data"
)

// GRPCObjectRequest addresses one instance or class.
type GRPCObjectRequest struct {
	Schema    string       `json:"schema,omitempty"`
	Class     string       `json:"class,omitempty"`
	ID        string       `json:"id,omitempty"`
	Filter    string       `json:"filter,omitempty"`
	Select    string       `json:"select,omitempty"`
	Top       int          `json:"top,omitempty"`
	Direction string       `json:"direction,omitempty"`
	Instance  WireInstance `json:"instance,omitempty"`
}

// GRPCFileURL is the response of MethodFileURL.
type GRPCFileURL struct {
	URL string `json:"url"`
}

// GRPCConfig configures a gRPC transport.
type GRPCConfig struct {
	Address    string
	Repository string
	Tokens     TokenProvider

	RequestTimeout time.Duration
	UploadTimeout  time.Duration

	// HTTPClient moves file bodies to and from the presigned URLs.
	HTTPClient *http.Client
	Retry      retry.Transient
	Logger     logging.Logger
	DialOpts   []grpc.DialOption
}

// GRPC is the object protocol over gRPC.
type GRPC struct {
	conn           *grpc.ClientConn
	repo           string
	tokens         TokenProvider
	http           *http.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	retry          retry.Transient
	logger         logging.Logger
}

var _ Transport = (*GRPC)(nil)

// NewGRPC dials cfg.Address lazily and returns a transport.
func NewGRPC(cfg GRPCConfig) (*GRPC, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, common.ErrInvalidServerURL
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		return nil, common.ErrInvalidRepositoryName
	}
	if cfg.Tokens == nil {
		return nil, common.ErrCredentialsNotSet
	}

	t := &GRPC{
		repo:           cfg.Repository,
		tokens:         cfg.Tokens,
		http:           cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
		uploadTimeout:  cfg.UploadTimeout,
		retry:          cfg.Retry,
		logger:         cfg.Logger,
	}
	if t.requestTimeout <= 0 {
		t.requestTimeout = time.Minute
	}
	if t.uploadTimeout <= 0 {
		t.uploadTimeout = 10 * time.Minute
	}
	if t.logger == nil {
		t.logger = logging.Discard()
	}
	t.logger = t.logger.With("module", "transport.grpc")
	if t.retry.Logger == nil {
		t.retry.Logger = t.logger
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(t.accessTokenInterceptor),
	}, cfg.DialOpts...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidServerURL, err)
	}
	t.conn = conn
	return t, nil
}

func withAccessToken(ctx context.Context, repo, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AuthorizationHeaderName, common.BearerPrefix+token)
	md.Set(RepositoryHeader, repo)

	return metadata.NewOutgoingContext(ctx, md)
}

func (t *GRPC) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	token, err := t.tokens(ctx, false)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	err = invoker(withAccessToken(ctx, t.repo, token), method, req, reply, cc, opts...)
	if status.Code(err) != codes.Unauthenticated {
		return err
	}

	token, rerr := t.tokens(ctx, true)
	if rerr != nil {
		return err
	}
	t.logger.Debug(ctx, "token rejected, refreshed", "method", method)
	return invoker(withAccessToken(ctx, t.repo, token), method, req, reply, cc, opts...)
}

func (t *GRPC) invoke(ctx context.Context, policy retry.Transient, method string, in, out any) error {
	req, err := ToStruct(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", method, err)
	}

	return policy.Do(ctx, method, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()

		var trailer metadata.MD
		resp := &structpb.Struct{}
		err := t.conn.Invoke(ctx, "/"+GRPCService+"/"+method, req, resp, grpc.Trailer(&trailer))
		if err != nil {
			return t.mapError(ctx, err, trailer)
		}
		if out == nil {
			return nil
		}
		if err := FromStruct(resp, out); err != nil {
			return fmt.Errorf("%s: %w: %v", method, common.ErrMalformedResponse, err)
		}
		return nil
	})
}

// CreateObject stores a new instance.
func (t *GRPC) CreateObject(ctx context.Context, inst Instance) (Instance, error) {
	var out WireChangedInstance
	err := t.invoke(ctx, t.retry.Once(), MethodCreateObject, GRPCObjectRequest{Instance: ToWire(inst)}, &out)
	if err != nil {
		return Instance{}, err
	}
	return FromWire(out.ChangedInstance.InstanceAfterChange), nil
}

// QueryObjects returns the instances selected by q.
func (t *GRPC) QueryObjects(ctx context.Context, q Query) ([]Instance, error) {
	req := GRPCObjectRequest{Schema: q.Schema, Class: q.Class, Select: q.Select, Top: q.Top}
	if q.Filter != nil {
		req.Filter = q.Filter.String()
	}
	var out WireInstances
	if err := t.invoke(ctx, t.retry, MethodQueryObjects, req, &out); err != nil {
		return nil, err
	}
	return fromWireList(out.Instances), nil
}

// UpdateObject changes properties of an existing instance.
func (t *GRPC) UpdateObject(ctx context.Context, inst Instance) error {
	return t.invoke(ctx, t.retry, MethodUpdateObject, GRPCObjectRequest{Instance: ToWire(inst)}, nil)
}

// DeleteObject removes an instance.
func (t *GRPC) DeleteObject(ctx context.Context, id ObjectID) error {
	return t.invoke(ctx, t.retry, MethodDeleteObject, GRPCObjectRequest{Schema: id.Schema, Class: id.Class, ID: id.ID}, nil)
}

// SendChangeset applies cs atomically.
func (t *GRPC) SendChangeset(ctx context.Context, cs Changeset) ([]Instance, error) {
	var out WireChangesetResult
	if err := t.invoke(ctx, t.retry.Once(), MethodSendChangeset, ChangesetToWire(cs), &out); err != nil {
		return nil, err
	}
	res := make([]Instance, 0, len(out.ChangedInstances))
	for _, c := range out.ChangedInstances {
		res = append(res, FromWire(c.InstanceAfterChange))
	}
	return res, nil
}

func (t *GRPC) fileURL(ctx context.Context, id ObjectID, direction string) (string, error) {
	var out GRPCFileURL
	req := GRPCObjectRequest{Schema: id.Schema, Class: id.Class, ID: id.ID, Direction: direction}
	if err := t.invoke(ctx, t.retry, MethodFileURL, req, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("%s url for %s: %w", direction, id.ID, common.ErrMalformedResponse)
	}
	return out.URL, nil
}

// UploadFile asks for a presigned URL and puts path there.
func (t *GRPC) UploadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error {
	u, err := t.fileURL(ctx, id, "upload")
	if err != nil {
		return err
	}
	return t.retry.Do(ctx, "upload "+id.Class, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.uploadTimeout)
		defer cancel()
		return netx.UploadFile(ctx, t.http, u, path, progress)
	})
}

// DownloadFile asks for a presigned URL and fetches it into path.
func (t *GRPC) DownloadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error {
	u, err := t.fileURL(ctx, id, "download")
	if err != nil {
		return err
	}
	return t.retry.Do(ctx, "download "+id.Class, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.uploadTimeout)
		defer cancel()
		return netx.DownloadFile(ctx, t.http, u, path, progress)
	})
}

// Close closes the connection.
func (t *GRPC) Close() error {
	return t.conn.Close()
}

func (t *GRPC) mapError(ctx context.Context, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)

	if ids := trailer.Get(TrailerErrorID); len(ids) > 0 && ids[0] != "" {
		var data map[string]any
		if raw := trailer.Get(TrailerErrorData); len(raw) > 0 {
			_ = decodeJSON([]byte(raw[0]), &data)
		}
		return common.NewRemoteError(ids[0], st.Message(), 0, data)
	}

	switch st.Code() {
	case codes.Canceled, codes.DeadlineExceeded:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", common.ErrUnavailable, st.Message())
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%s: %w", st.Message(), common.ErrUnauthorized)
	case codes.Unavailable, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", common.ErrUnavailable, st.Message())
	case codes.Internal:
		return fmt.Errorf("%s: %w", st.Message(), common.ErrInternalServer)
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

// ToStruct converts a JSON-tagged value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FromStruct is the reverse of ToStruct.
func FromStruct(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return decodeJSON(b, out)
}
