package hubtest

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/go-chi/chi/v5"
)

const (
	blobPrefix = "/blobs"
	blobBucket = "hub"
)

// newPresignClient signs URLs that point back at the hub's own blob
// endpoint.
func newPresignClient(endpoint string) *s3.PresignClient {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("hubtest", "hubtest-secret", ""),
	})
	return s3.NewPresignClient(client, s3.WithPresignExpires(15*time.Minute))
}

func (h *Hub) presignURL(class, id string, upload bool) (string, error) {
	ctx := context.Background()
	key := aws.String(fileKey(class, id))
	if upload {
		req, err := h.presign.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(blobBucket), Key: key})
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	req, err := h.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(blobBucket), Key: key})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// attachKey adds a FileAccessKey relation with a presigned URL.
func (h *Hub) attachKey(inst *transport.Instance, class, id string, upload bool) error {
	u, err := h.presignURL(class, id, upload)
	if err != nil {
		return newError(ErrIDInternalServerError, http.StatusInternalServerError, "presign: %v", err)
	}
	prop := transport.PropDownloadURL
	if upload {
		prop = transport.PropUploadURL
	}
	inst.Related = map[string]transport.Instance{
		transport.RelFileAccessKey: transport.NewInstance(transport.ClassAccessKey, "", map[string]any{prop: u}),
	}
	return nil
}

func blobTarget(r *http.Request) (class, id string, ok bool) {
	if chi.URLParam(r, "bucket") != blobBucket || r.URL.Query().Get("X-Amz-Signature") == "" {
		return "", "", false
	}
	return strings.Cut(chi.URLParam(r, "*"), "/")
}

func (h *Hub) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	class, id, ok := blobTarget(r)
	if !ok {
		http.Error(w, "AccessDenied", http.StatusForbidden)
		return
	}
	body, err := h.getFile(class, id)
	if err != nil {
		http.Error(w, "NoSuchKey", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func (h *Hub) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	class, id, ok := blobTarget(r)
	if !ok {
		http.Error(w, "AccessDenied", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.putFile(class, id, body); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
