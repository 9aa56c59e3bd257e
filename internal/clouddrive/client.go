package clouddrive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var ErrCursorReset = errors.New("sync cursor reset by provider")

const (
	TagFile    = "file"
	TagFolder  = "folder"
	TagDeleted = "deleted"
)

type Entry struct {
	Path       string
	Name       string
	Size       int64
	Revision   string
	Tag        string
	ModifiedAt time.Time
}

func (e Entry) IsFile() bool {
	return e.Tag == TagFile
}

type ListResult struct {
	Entries []Entry
	Cursor  string
	HasMore bool
}

type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

func (t Token) Equal(other Token) bool {
	return t.AccessToken == other.AccessToken &&
		t.RefreshToken == other.RefreshToken &&
		t.Expiry.Equal(other.Expiry)
}

// Client is the provider-neutral view of one monitored cloud folder.
type Client interface {
	Provider() string
	ListFolder(ctx context.Context, path string, recursive bool) (ListResult, error)
	ListFolderContinue(ctx context.Context, cursor string) (ListResult, error)
	GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error)
	DownloadFile(ctx context.Context, path string) ([]byte, error)
	EnsureValidToken(ctx context.Context) error
	CurrentToken() Token
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// AuthError reports a credential problem. Terminal errors cannot be fixed by
// refreshing and require the user to reconnect the drive.
type AuthError struct {
	Provider string
	Terminal bool
	Err      error
}

func (e *AuthError) Error() string {
	kind := "auth error"
	if e.Terminal {
		kind = "terminal auth error"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func IsTerminalAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Terminal
}

var DefaultExtensions = []string{"pdf", "jpg", "jpeg", "png", "gif", "webp"}

func ParseExtensions(raw string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if ext == "" {
			continue
		}
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultExtensions...)
	}
	return out
}

func IsSupported(name string, extensions []string) bool {
	ext := extensionOf(name)
	if ext == "" {
		return false
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	for _, candidate := range extensions {
		if candidate == ext {
			return true
		}
	}
	return false
}

func MIMETypeForName(name string) string {
	switch extensionOf(name) {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func IsPDF(mimeType string) bool {
	return mimeType == "application/pdf"
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(strings.TrimSpace(name)), "."))
}
