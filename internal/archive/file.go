package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type FileArchive struct {
	root string
}

func NewFileArchive(root string) (*FileArchive, error) {
	if root == "" {
		return nil, errors.New("archive: file root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &FileArchive{root: root}, nil
}

// Put is idempotent: an existing object with identical bytes is left alone,
// differing bytes are replaced atomically.
func (a *FileArchive) Put(ctx context.Context, tenantID, name, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := ObjectKey(tenantID, name)
	target := filepath.Join(a.root, filepath.FromSlash(key))
	if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, data) {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create tenant archive dir: %w", err)
	}
	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return key, nil
}

func (a *FileArchive) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
