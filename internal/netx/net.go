// Package netx moves file content over plain HTTP: presigned blob URLs and
// any other endpoint that accepts a raw PUT body or serves a raw GET body.
package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/google/uuid"
)

// ProgressFunc receives the number of bytes transferred so far and the total
// size, or -1 when the total is unknown.
type ProgressFunc func(transferred, total int64)

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    ProgressFunc
}

// NewProgressReader reports every read from r to fn. A nil fn returns r as is.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, total: total, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}

// UploadFile PUTs the content of path to url.
func UploadFile(ctx context.Context, client *http.Client, url, path string, progress ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, NewProgressReader(f, info.Size(), progress))
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := clientOrDefault(client).Do(req)
	if err != nil {
		return NetworkError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError("upload", resp, b)
	}
	return nil
}

// DownloadFile GETs url into path. The body is written to a temporary file
// next to path and renamed into place only after it was fully received.
func DownloadFile(ctx context.Context, client *http.Client, url, path string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := clientOrDefault(client).Do(req)
	if err != nil {
		return NetworkError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError("download", resp, b)
	}

	return WriteFileAtomic(path, NewProgressReader(resp.Body, resp.ContentLength, progress))
}

// WriteFileAtomic streams r into path through a temporary sibling file.
func WriteFileAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o660)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func clientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// NetworkError classifies a failed round trip. A finished context wins over
// the transport error so cancellation is never retried.
func NetworkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
}

// StatusError builds the error for an unexpected HTTP status.
func StatusError(op string, resp *http.Response, body []byte) error {
	msg := fmt.Sprintf("%s failed: %s; body: %s", op, resp.Status, string(body))
	if sentinel := common.ErrorForStatus(resp.StatusCode); sentinel != nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return errors.New(msg)
}
