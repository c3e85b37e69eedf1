// Package blob moves revision and seed files to and from blob storage
// using the short-lived access keys handed out by the repository.
//
// An access key is either a presigned http(s) URL, transferred with plain
// HTTP, or an s3://bucket/key location, transferred with the S3 SDK and the
// configured credentials.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/dmitrijs2005/briefsync/internal/filex"
	"github.com/dmitrijs2005/briefsync/internal/logging"
	"github.com/dmitrijs2005/briefsync/internal/netx"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ErrUnsupportedAccessKey is returned for access keys of unknown form.
var ErrUnsupportedAccessKey = errors.New("unsupported access key")

// Options configure the S3 client used for s3:// access keys.
type Options struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Region          string `json:"region" yaml:"region" toml:"region"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key" toml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" yaml:"use_path_style" toml:"use_path_style"`
}

// Store transfers files addressed by access keys.
type Store interface {
	Upload(ctx context.Context, accessKey, path string, progress netx.ProgressFunc) error
	Download(ctx context.Context, accessKey, path string, progress netx.ProgressFunc) error
}

// Router dispatches access keys to HTTP or S3.
type Router struct {
	opts   Options
	http   *http.Client
	logger logging.Logger

	mu sync.Mutex
	s3 *s3.Client
}

var _ Store = (*Router)(nil)

// NewRouter returns a router. The S3 client is built on first use.
func NewRouter(opts Options, httpClient *http.Client, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{opts: opts, http: httpClient, logger: logger.With("module", "blob")}
}

// Upload puts the file at path to accessKey.
func (r *Router) Upload(ctx context.Context, accessKey, path string, progress netx.ProgressFunc) error {
	u, err := parseKey(accessKey)
	if err != nil {
		return err
	}
	size, _ := filex.FileSize(path)

	switch u.Scheme {
	case "s3":
		err = r.s3Put(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), path)
		if err == nil && progress != nil {
			progress(size, size)
		}
	default:
		err = netx.UploadFile(ctx, r.http, accessKey, path, progress)
	}
	if err != nil {
		return err
	}
	metrics.TransferBytes.WithLabelValues("up", u.Scheme).Add(float64(size))
	r.logger.Debug(ctx, "uploaded", "channel", u.Scheme, "bytes", size)
	return nil
}

// Download fetches accessKey into path.
func (r *Router) Download(ctx context.Context, accessKey, path string, progress netx.ProgressFunc) error {
	u, err := parseKey(accessKey)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "s3":
		err = r.s3Get(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), path, progress)
	default:
		err = netx.DownloadFile(ctx, r.http, accessKey, path, progress)
	}
	if err != nil {
		return err
	}
	size, _ := filex.FileSize(path)
	metrics.TransferBytes.WithLabelValues("down", u.Scheme).Add(float64(size))
	r.logger.Debug(ctx, "downloaded", "channel", u.Scheme, "bytes", size)
	return nil
}

func parseKey(accessKey string) (*url.URL, error) {
	u, err := url.Parse(accessKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAccessKey, err)
	}
	switch u.Scheme {
	case "http", "https":
		return u, nil
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAccessKey, accessKey)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAccessKey, accessKey)
	}
}

func (r *Router) client(ctx context.Context) (*s3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.s3 != nil {
		return r.s3, nil
	}

	region := r.opts.Region
	if region == "" {
		region = "us-east-1"
	}
	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if r.opts.AccessKeyID != "" {
		optFns = append(optFns, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			r.opts.AccessKeyID,
			r.opts.SecretAccessKey,
			"",
		)))
	}
	if r.http != nil {
		optFns = append(optFns, config.WithHTTPClient(r.http))
	}

	cfg, err := loadDefaultAWSConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	r.s3 = newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if r.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.opts.Endpoint)
		}
		o.UsePathStyle = r.opts.UsePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return r.s3, nil
}

func (r *Router) s3Put(ctx context.Context, bucket, key, path string) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return s3Error(ctx, "put", bucket, key, err)
	}
	return nil
}

func (r *Router) s3Get(ctx context.Context, bucket, key, path string, progress netx.ProgressFunc) error {
	c, err := r.client(ctx)
	if err != nil {
		return err
	}

	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error(ctx, "get", bucket, key, err)
	}
	defer out.Body.Close()

	total := aws.ToInt64(out.ContentLength)
	return netx.WriteFileAtomic(path, netx.NewProgressReader(out.Body, total, progress))
}

func s3Error(ctx context.Context, op, bucket, key string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		if sentinel := common.ErrorForStatus(re.HTTPStatusCode()); sentinel != nil {
			return fmt.Errorf("s3 %s %s/%s: %w", op, bucket, key, sentinel)
		}
		return fmt.Errorf("s3 %s %s/%s: %v", op, bucket, key, err)
	}
	return fmt.Errorf("s3 %s %s/%s: %w: %v", op, bucket, key, common.ErrUnavailable, err)
}
