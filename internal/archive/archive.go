package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var ErrUnsupportedScheme = errors.New("archive: unsupported scheme")

// Archive stores the original bytes of a processed document and returns the
// key under which they can be retrieved.
type Archive interface {
	Put(ctx context.Context, tenantID, name, contentType string, data []byte) (string, error)
	Close() error
}

// Open builds an archive from a DSN. An empty DSN returns an archive that
// only derives object names.
func Open(ctx context.Context, dsn string) (Archive, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NameOnly{}, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse archive dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			dir = path.Join("/", u.Host, u.Path)
		}
		return NewFileArchive(dir)
	case "gs":
		return NewGCSArchive(ctx, u.Host, strings.Trim(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// ObjectKey places name under the tenant's prefix, keeping only its base name.
func ObjectKey(tenantID, name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "unnamed"
	}
	tenant := strings.Trim(strings.ReplaceAll(tenantID, "/", "_"), ".")
	if tenant == "" {
		tenant = "_"
	}
	return tenant + "/" + base
}

type NameOnly struct{}

func (NameOnly) Put(_ context.Context, tenantID, name, _ string, _ []byte) (string, error) {
	return ObjectKey(tenantID, name), nil
}

func (NameOnly) Close() error { return nil }
