package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSArchive(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCSArchive, error) {
	if bucket == "" {
		return nil, errors.New("archive: gs bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSArchive{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put writes the object only if it does not exist yet. An object already
// stored under the same key counts as success.
func (a *GCSArchive) Put(ctx context.Context, tenantID, name, contentType string, data []byte) (string, error) {
	key := a.objectName(tenantID, name)
	writer := a.client.Bucket(a.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return key, nil
		}
		return "", fmt.Errorf("write gs://%s/%s: %w", a.bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return key, nil
		}
		return "", fmt.Errorf("finalize gs://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}

func (a *GCSArchive) Close() error {
	return a.client.Close()
}

func (a *GCSArchive) objectName(tenantID, name string) string {
	key := ObjectKey(tenantID, name)
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
