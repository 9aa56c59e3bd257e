package clouddrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dropboxAPIURL     = "https://api.dropboxapi.com/2"
	dropboxContentURL = "https://content.dropboxapi.com/2"
)

type DropboxOptions struct {
	APIURL     string
	ContentURL string
	HTTPClient *http.Client
}

type DropboxClient struct {
	apiURL     string
	contentURL string
	httpClient *http.Client
	tokens     *tokenManager
	retry      retryPolicy
}

func NewDropboxClient(token Token, app AppCredentials, opts DropboxOptions) *DropboxClient {
	apiURL := strings.TrimRight(strings.TrimSpace(opts.APIURL), "/")
	if apiURL == "" {
		apiURL = dropboxAPIURL
	}
	contentURL := strings.TrimRight(strings.TrimSpace(opts.ContentURL), "/")
	if contentURL == "" {
		contentURL = dropboxContentURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if app.TokenURL == "" {
		app.TokenURL = dropboxTokenURL
	}
	return &DropboxClient{
		apiURL:     apiURL,
		contentURL: contentURL,
		httpClient: httpClient,
		tokens:     newTokenManager("dropbox", token, app, httpClient),
		retry:      defaultRetryPolicy(),
	}
}

func (c *DropboxClient) Provider() string {
	return "dropbox"
}

type dropboxEntry struct {
	Tag            string `json:".tag"`
	Name           string `json:"name"`
	PathLower      string `json:"path_lower"`
	PathDisplay    string `json:"path_display"`
	Rev            string `json:"rev"`
	Size           int64  `json:"size"`
	ServerModified string `json:"server_modified"`
}

type dropboxListResponse struct {
	Entries []dropboxEntry `json:"entries"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"has_more"`
}

func (c *DropboxClient) ListFolder(ctx context.Context, path string, recursive bool) (ListResult, error) {
	body := map[string]any{
		"path":            dropboxPath(path),
		"recursive":       recursive,
		"include_deleted": false,
	}
	var resp dropboxListResponse
	if err := c.doJSON(ctx, c.apiURL+"/files/list_folder", body, &resp); err != nil {
		return ListResult{}, err
	}
	return resp.toResult(), nil
}

func (c *DropboxClient) ListFolderContinue(ctx context.Context, cursor string) (ListResult, error) {
	if strings.TrimSpace(cursor) == "" {
		return ListResult{}, ErrCursorReset
	}
	var resp dropboxListResponse
	if err := c.doJSON(ctx, c.apiURL+"/files/list_folder/continue", map[string]any{"cursor": cursor}, &resp); err != nil {
		return ListResult{}, err
	}
	return resp.toResult(), nil
}

func (c *DropboxClient) GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error) {
	body := map[string]any{
		"path":      dropboxPath(path),
		"recursive": recursive,
	}
	var resp struct {
		Cursor string `json:"cursor"`
	}
	if err := c.doJSON(ctx, c.apiURL+"/files/list_folder/get_latest_cursor", body, &resp); err != nil {
		return "", err
	}
	return resp.Cursor, nil
}

func (c *DropboxClient) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	arg, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Dropbox-API-Arg": string(arg)}
	return c.do(ctx, c.contentURL+"/files/download", headers, nil)
}

func (c *DropboxClient) EnsureValidToken(ctx context.Context) error {
	return c.tokens.ensureValid(ctx)
}

func (c *DropboxClient) CurrentToken() Token {
	return c.tokens.current()
}

func (c *DropboxClient) doJSON(ctx context.Context, endpoint string, body any, out any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload, err := c.do(ctx, endpoint, map[string]string{"Content-Type": "application/json"}, bodyBytes)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// do issues a POST with bounded retries on transport errors, 429 and 5xx.
// A 401 triggers one forced token refresh before it becomes an AuthError.
func (c *DropboxClient) do(ctx context.Context, endpoint string, headers map[string]string, body []byte) ([]byte, error) {
	if err := c.tokens.ensureValid(ctx); err != nil {
		return nil, err
	}
	refreshed := false
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bodyReader)
		if err != nil {
			return nil, err
		}
		accessToken := c.tokens.accessToken()
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("X-Correlation-Id", "drivesync_"+uuid.NewString())
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.retry.maxRetries {
				if waitErr := waitWithContext(ctx, c.retry.delay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if !refreshed {
				refreshed = true
				if err := c.tokens.forceRefresh(ctx, accessToken); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &AuthError{Provider: c.Provider(), Terminal: true, Err: dropboxHTTPError(resp.StatusCode, payload)}
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.retry.maxRetries {
			if waitErr := waitWithContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		httpErr := dropboxHTTPError(resp.StatusCode, payload)
		if resp.StatusCode == http.StatusConflict && strings.HasPrefix(httpErr.Code, "reset") {
			return nil, fmt.Errorf("%w: %s", ErrCursorReset, httpErr.Code)
		}
		return nil, httpErr
	}
}

func dropboxHTTPError(status int, payload []byte) *HTTPError {
	var errPayload struct {
		ErrorSummary string `json:"error_summary"`
		Error        any    `json:"error"`
	}
	httpErr := &HTTPError{StatusCode: status}
	if err := json.Unmarshal(payload, &errPayload); err == nil && errPayload.ErrorSummary != "" {
		httpErr.Code = strings.TrimRight(errPayload.ErrorSummary, "/.")
		httpErr.Message = errPayload.ErrorSummary
		return httpErr
	}
	httpErr.Message = strings.TrimSpace(string(payload))
	return httpErr
}

func (r dropboxListResponse) toResult() ListResult {
	out := ListResult{
		Entries: make([]Entry, 0, len(r.Entries)),
		Cursor:  r.Cursor,
		HasMore: r.HasMore,
	}
	for _, e := range r.Entries {
		path := e.PathDisplay
		if path == "" {
			path = e.PathLower
		}
		entry := Entry{
			Path:     path,
			Name:     e.Name,
			Size:     e.Size,
			Revision: e.Rev,
			Tag:      e.Tag,
		}
		if ts, err := time.Parse(time.RFC3339, e.ServerModified); err == nil {
			entry.ModifiedAt = ts
		}
		out.Entries = append(out.Entries, entry)
	}
	return out
}

// dropboxPath maps the folder path to the API's convention where the root is
// the empty string.
func dropboxPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || path == "/" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(path, "/")
}

func IsCursorReset(err error) bool {
	return errors.Is(err, ErrCursorReset)
}
