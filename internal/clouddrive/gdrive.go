package clouddrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	driveFolderMIMEType = "application/vnd.google-apps.folder"
	driveFileFields     = "id, name, mimeType, size, modifiedTime, parents, trashed, version"
	driveMaxDownload    = 64 << 20
)

// GoogleDriveClient addresses files by id. The monitored folder path is the
// folder id and the sync cursor is a Changes API page token.
type GoogleDriveClient struct {
	svc       *drive.Service
	tokens    *tokenManager
	rootID    string
	recursive bool
	folders   map[string]struct{}
}

func NewGoogleDriveClient(ctx context.Context, folderID string, recursive bool, token Token, app AppCredentials, opts ...option.ClientOption) (*GoogleDriveClient, error) {
	if app.TokenURL == "" {
		app.TokenURL = googleTokenURL
	}
	tokens := newTokenManager("google_drive", token, app, nil)
	clientOpts := append([]option.ClientOption{option.WithTokenSource(tokens)}, opts...)
	svc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	rootID := strings.Trim(strings.TrimSpace(folderID), "/")
	if rootID == "" {
		rootID = "root"
	}
	return &GoogleDriveClient{
		svc:       svc,
		tokens:    tokens,
		rootID:    rootID,
		recursive: recursive,
	}, nil
}

func (c *GoogleDriveClient) Provider() string {
	return "google_drive"
}

// ListFolder takes the start page token before listing so changes made while
// listing are replayed by the next delta.
func (c *GoogleDriveClient) ListFolder(ctx context.Context, path string, recursive bool) (ListResult, error) {
	cursor, err := c.GetLatestCursor(ctx, path, recursive)
	if err != nil {
		return ListResult{}, err
	}
	rootID := c.folderID(path)
	folders := map[string]struct{}{rootID: {}}
	queue := []string{rootID}
	var entries []Entry
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		files, err := c.listChildren(ctx, parent)
		if err != nil {
			return ListResult{}, err
		}
		for _, f := range files {
			entry := driveEntry(f)
			entries = append(entries, entry)
			if entry.Tag == TagFolder && recursive {
				if _, seen := folders[f.Id]; !seen {
					folders[f.Id] = struct{}{}
					queue = append(queue, f.Id)
				}
			}
		}
	}
	c.folders = folders
	return ListResult{Entries: entries, Cursor: cursor}, nil
}

func (c *GoogleDriveClient) ListFolderContinue(ctx context.Context, cursor string) (ListResult, error) {
	if strings.TrimSpace(cursor) == "" {
		return ListResult{}, ErrCursorReset
	}
	folders, err := c.monitoredFolders(ctx)
	if err != nil {
		return ListResult{}, err
	}
	list, err := c.svc.Changes.List(cursor).
		Fields("nextPageToken, newStartPageToken, changes(fileId, removed, file(" + driveFileFields + "))").
		Context(ctx).
		Do()
	if err != nil {
		return ListResult{}, c.mapError(err, true)
	}
	out := ListResult{}
	for _, change := range list.Changes {
		if change.Removed || change.File == nil {
			out.Entries = append(out.Entries, Entry{Path: change.FileId, Tag: TagDeleted})
			continue
		}
		if !hasMonitoredParent(change.File.Parents, folders) {
			continue
		}
		entry := driveEntry(change.File)
		if entry.Tag == TagFolder && c.recursive {
			folders[change.File.Id] = struct{}{}
		}
		out.Entries = append(out.Entries, entry)
	}
	if list.NextPageToken != "" {
		out.Cursor = list.NextPageToken
		out.HasMore = true
	} else {
		out.Cursor = list.NewStartPageToken
	}
	return out, nil
}

func (c *GoogleDriveClient) GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error) {
	token, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", c.mapError(err, false)
	}
	return token.StartPageToken, nil
}

func (c *GoogleDriveClient) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.svc.Files.Get(strings.TrimPrefix(path, "/")).Context(ctx).Download()
	if err != nil {
		return nil, c.mapError(err, false)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, driveMaxDownload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > driveMaxDownload {
		return nil, fmt.Errorf("drive file %s exceeds %d bytes", path, driveMaxDownload)
	}
	return data, nil
}

func (c *GoogleDriveClient) EnsureValidToken(ctx context.Context) error {
	return c.tokens.ensureValid(ctx)
}

func (c *GoogleDriveClient) CurrentToken() Token {
	return c.tokens.current()
}

func (c *GoogleDriveClient) listChildren(ctx context.Context, parentID string) ([]*drive.File, error) {
	var out []*drive.File
	pageToken := ""
	for {
		call := c.svc.Files.List().
			Q(fmt.Sprintf("'%s' in parents and trashed = false", strings.ReplaceAll(parentID, "'", "\\'"))).
			Fields("nextPageToken, files(" + driveFileFields + ")").
			PageSize(200).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, c.mapError(err, false)
		}
		out = append(out, list.Files...)
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

func (c *GoogleDriveClient) monitoredFolders(ctx context.Context) (map[string]struct{}, error) {
	if c.folders != nil {
		return c.folders, nil
	}
	folders := map[string]struct{}{c.rootID: {}}
	if c.recursive {
		queue := []string{c.rootID}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			files, err := c.listChildren(ctx, parent)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				if f.MimeType != driveFolderMIMEType {
					continue
				}
				if _, seen := folders[f.Id]; !seen {
					folders[f.Id] = struct{}{}
					queue = append(queue, f.Id)
				}
			}
		}
	}
	c.folders = folders
	return folders, nil
}

func (c *GoogleDriveClient) folderID(path string) string {
	id := strings.Trim(strings.TrimSpace(path), "/")
	if id == "" {
		return c.rootID
	}
	return id
}

func (c *GoogleDriveClient) mapError(err error, cursorCall bool) error {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return &AuthError{Provider: c.Provider(), Terminal: true, Err: err}
		case cursorCall && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone):
			return fmt.Errorf("%w: %s", ErrCursorReset, apiErr.Message)
		}
		return &HTTPError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return err
}

func driveEntry(f *drive.File) Entry {
	entry := Entry{
		Path:     f.Id,
		Name:     f.Name,
		Size:     f.Size,
		Revision: fmt.Sprintf("%d", f.Version),
		Tag:      TagFile,
	}
	if f.MimeType == driveFolderMIMEType {
		entry.Tag = TagFolder
	}
	if f.Trashed {
		entry.Tag = TagDeleted
	}
	if ts, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		entry.ModifiedAt = ts
	}
	return entry
}

func hasMonitoredParent(parents []string, folders map[string]struct{}) bool {
	for _, parent := range parents {
		if _, ok := folders[parent]; ok {
			return true
		}
	}
	return false
}
