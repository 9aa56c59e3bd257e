package clouddrive

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const localCursorPrefix = "local:"

// LocalClient serves a directory on disk, typically a scanner drop folder.
// Its cursor is a modification-time watermark.
type LocalClient struct {
	root string
	now  func() time.Time
}

func NewLocalClient(root string) (*LocalClient, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local drive root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local drive root %s is not a directory", abs)
	}
	return &LocalClient{root: abs, now: time.Now}, nil
}

func (c *LocalClient) Provider() string {
	return "local"
}

func (c *LocalClient) ListFolder(ctx context.Context, path string, recursive bool) (ListResult, error) {
	watermark := c.now()
	entries, err := c.scan(ctx, path, recursive, time.Time{})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Entries: entries, Cursor: encodeLocalCursor(path, recursive, watermark)}, nil
}

func (c *LocalClient) ListFolderContinue(ctx context.Context, cursor string) (ListResult, error) {
	path, recursive, since, err := decodeLocalCursor(cursor)
	if err != nil {
		return ListResult{}, err
	}
	watermark := c.now()
	entries, err := c.scan(ctx, path, recursive, since)
	if err != nil {
		return ListResult{}, err
	}
	if len(entries) == 0 {
		return ListResult{Cursor: cursor}, nil
	}
	return ListResult{Entries: entries, Cursor: encodeLocalCursor(path, recursive, watermark)}, nil
}

func (c *LocalClient) GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error) {
	return encodeLocalCursor(path, recursive, c.now()), nil
}

func (c *LocalClient) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	abs, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (c *LocalClient) EnsureValidToken(ctx context.Context) error {
	return nil
}

func (c *LocalClient) CurrentToken() Token {
	return Token{}
}

func (c *LocalClient) scan(ctx context.Context, path string, recursive bool, since time.Time) ([]Entry, error) {
	start, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	walkErr := filepath.WalkDir(start, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if abs == start {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !since.IsZero() {
				if !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			entries = append(entries, Entry{Path: c.relative(abs), Name: d.Name(), Tag: TagFolder, ModifiedAt: info.ModTime()})
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !since.IsZero() && info.ModTime().Before(since) {
			return nil
		}
		entries = append(entries, Entry{
			Path:       c.relative(abs),
			Name:       d.Name(),
			Size:       info.Size(),
			Revision:   strconv.FormatInt(info.ModTime().UnixNano(), 10),
			Tag:        TagFile,
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return entries, nil
}

func (c *LocalClient) resolve(path string) (string, error) {
	p := filepath.FromSlash(strings.TrimSpace(path))
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(c.root, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
	}
	cleaned := filepath.Clean("/" + p)
	abs := filepath.Join(c.root, cleaned)
	rel, err := filepath.Rel(c.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes local drive root", path)
	}
	return abs, nil
}

func (c *LocalClient) relative(abs string) string {
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return "/" + filepath.ToSlash(rel)
}

// Cursor layout: local:<unix nanos>:<recursive 0|1>:<path>
func encodeLocalCursor(path string, recursive bool, watermark time.Time) string {
	flag := "0"
	if recursive {
		flag = "1"
	}
	return localCursorPrefix + strconv.FormatInt(watermark.UnixNano(), 10) + ":" + flag + ":" + path
}

func decodeLocalCursor(cursor string) (string, bool, time.Time, error) {
	if !strings.HasPrefix(cursor, localCursorPrefix) {
		return "", false, time.Time{}, fmt.Errorf("%w: unrecognised local cursor", ErrCursorReset)
	}
	parts := strings.SplitN(strings.TrimPrefix(cursor, localCursorPrefix), ":", 3)
	if len(parts) != 3 {
		return "", false, time.Time{}, fmt.Errorf("%w: malformed local cursor", ErrCursorReset)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || nanos <= 0 {
		return "", false, time.Time{}, fmt.Errorf("%w: malformed local cursor watermark", ErrCursorReset)
	}
	return parts[2], parts[1] == "1", time.Unix(0, nanos), nil
}
