package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
	"github.com/dmitrijs2005/briefsync/internal/retry"
)

// APIVersion is the path prefix of the object protocol.
const APIVersion = "v2.5"

// HTTPConfig configures an HTTP transport.
type HTTPConfig struct {
	BaseURL    string
	Repository string
	Tokens     TokenProvider

	// RequestTimeout bounds every call except file uploads.
	RequestTimeout time.Duration
	// UploadTimeout bounds revision file uploads.
	UploadTimeout time.Duration

	Client *http.Client
	Retry  retry.Transient
	Logger logging.Logger
}

// HTTP is the object protocol over HTTP with JSON bodies.
type HTTP struct {
	base           *url.URL
	repo           string
	tokens         TokenProvider
	client         *http.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	retry          retry.Transient
	logger         logging.Logger
}

var _ Transport = (*HTTP)(nil)

// NewHTTP validates cfg and returns a transport.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%q: %w", cfg.BaseURL, common.ErrInvalidServerURL)
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		return nil, common.ErrInvalidRepositoryName
	}
	if cfg.Tokens == nil {
		return nil, common.ErrCredentialsNotSet
	}

	t := &HTTP{
		base:           u,
		repo:           cfg.Repository,
		tokens:         cfg.Tokens,
		client:         cfg.Client,
		requestTimeout: cfg.RequestTimeout,
		uploadTimeout:  cfg.UploadTimeout,
		retry:          cfg.Retry,
		logger:         cfg.Logger,
	}
	if t.client == nil {
		t.client = &http.Client{}
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
	t.logger = t.logger.With("module", "transport.http")
	if t.retry.Logger == nil {
		t.retry.Logger = t.logger
	}
	return t, nil
}

func (t *HTTP) classURL(schema, class string) string {
	if schema == "" {
		schema = Schema
	}
	return fmt.Sprintf("%s/%s/Repositories/%s/%s/%s", t.base.String(), APIVersion,
		url.PathEscape(t.repo), url.PathEscape(schema), url.PathEscape(class))
}

func (t *HTTP) objectURL(id ObjectID) string {
	return t.classURL(id.Schema, id.Class) + "/" + url.PathEscape(id.ID)
}

// CreateObject posts a new instance and returns the stored one.
func (t *HTTP) CreateObject(ctx context.Context, inst Instance) (Instance, error) {
	var out WireChangedInstance
	err := t.doJSON(ctx, t.retry.Once(), "create "+inst.Class, http.MethodPost, t.classURL(inst.Schema, inst.Class),
		WireCreateRequest{Instance: ToWire(inst)}, &out)
	if err != nil {
		return Instance{}, err
	}
	return FromWire(out.ChangedInstance.InstanceAfterChange), nil
}

// QueryObjects returns the instances selected by q.
func (t *HTTP) QueryObjects(ctx context.Context, q Query) ([]Instance, error) {
	v := url.Values{}
	if q.Filter != nil {
		v.Set("$filter", q.Filter.String())
	}
	if q.Select != "" {
		v.Set("$select", q.Select)
	}
	if q.Top > 0 {
		v.Set("$top", strconv.Itoa(q.Top))
	}
	u := t.classURL(q.Schema, q.Class)
	if len(v) > 0 {
		u += "?" + v.Encode()
	}

	var out WireInstances
	if err := t.doJSON(ctx, t.retry, "query "+q.Class, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return fromWireList(out.Instances), nil
}

// UpdateObject posts changed properties of an existing instance.
func (t *HTTP) UpdateObject(ctx context.Context, inst Instance) error {
	return t.doJSON(ctx, t.retry, "update "+inst.Class, http.MethodPost, t.objectURL(inst.ObjectID),
		WireCreateRequest{Instance: ToWire(inst)}, nil)
}

// DeleteObject removes an instance.
func (t *HTTP) DeleteObject(ctx context.Context, id ObjectID) error {
	return t.doJSON(ctx, t.retry, "delete "+id.Class, http.MethodDelete, t.objectURL(id), nil, nil)
}

// SendChangeset applies cs atomically.
func (t *HTTP) SendChangeset(ctx context.Context, cs Changeset) ([]Instance, error) {
	var out WireChangesetResult
	u := t.base.String() + "/" + APIVersion + "/Repositories/" + url.PathEscape(t.repo) + "/$changeset"
	if err := t.doJSON(ctx, t.retry.Once(), "changeset", http.MethodPost, u, ChangesetToWire(cs), &out); err != nil {
		return nil, err
	}
	res := make([]Instance, 0, len(out.ChangedInstances))
	for _, c := range out.ChangedInstances {
		res = append(res, FromWire(c.InstanceAfterChange))
	}
	return res, nil
}

// UploadFile streams path into the file slot of id.
func (t *HTTP) UploadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error {
	u := t.objectURL(id) + "/$file"
	return t.retry.Do(ctx, "upload "+id.Class, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.uploadTimeout)
		defer cancel()

		resp, err := t.authorized(ctx, func(ctx context.Context) (*http.Request, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			info, err := f.Stat()
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, u,
				io.NopCloser(netx.NewProgressReader(f, info.Size(), progress)))
			if err != nil {
				_ = f.Close()
				return nil, err
			}
			req.ContentLength = info.Size()
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Body = readCloser{Reader: req.Body, Closer: f}
			return req, nil
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return DecodeError(resp.StatusCode, b)
		}
		return nil
	})
}

// DownloadFile fetches the file slot of id into path.
func (t *HTTP) DownloadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error {
	u := t.objectURL(id) + "/$file"
	return t.retry.Do(ctx, "download "+id.Class, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.uploadTimeout)
		defer cancel()

		resp, err := t.authorized(ctx, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return DecodeError(resp.StatusCode, b)
		}
		return netx.WriteFileAtomic(path, netx.NewProgressReader(resp.Body, resp.ContentLength, progress))
	})
}

// Close releases idle connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// doJSON sends one JSON request under policy. Creates and changesets use
// a policy without retries since the server may have applied them.
func (t *HTTP) doJSON(ctx context.Context, policy retry.Transient, op, method, u string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
	}

	return policy.Do(ctx, op, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()

		start := time.Now()
		resp, err := t.authorized(ctx, func(ctx context.Context) (*http.Request, error) {
			var body io.Reader = http.NoBody
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, u, body)
			if err != nil {
				return nil, err
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return netx.NetworkError(ctx, err)
		}
		t.logger.Debug(ctx, "request done", "op", op, "status", resp.StatusCode,
			"elapsed_ms", time.Since(start).Milliseconds())

		if resp.StatusCode/100 != 2 {
			return DecodeError(resp.StatusCode, b)
		}
		if out == nil || len(bytes.TrimSpace(b)) == 0 {
			return nil
		}
		if err := decodeJSON(b, out); err != nil {
			return fmt.Errorf("%s: %w: %v", op, common.ErrMalformedResponse, err)
		}
		return nil
	})
}

// authorized sends the request built by newReq with a bearer token. A 401
// answer refreshes the token and sends a fresh request once more.
func (t *HTTP) authorized(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	for refresh := false; ; refresh = true {
		token, err := t.tokens(ctx, refresh)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", common.BearerPrefix+token)

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, netx.NetworkError(ctx, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && !refresh {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			t.logger.Debug(ctx, "token rejected, refreshing")
			continue
		}
		return resp, nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
