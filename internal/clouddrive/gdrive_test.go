package clouddrive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/api/option"
)

func newTestDriveClient(t *testing.T, handler http.HandlerFunc, recursive bool) *GoogleDriveClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewGoogleDriveClient(context.Background(), "folder-root", recursive, Token{AccessToken: "token"}, AppCredentials{},
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("new drive client: %v", err)
	}
	return client
}

func TestGoogleDriveListFolderTakesCursorFirst(t *testing.T) {
	var order []string
	client := newTestDriveClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/changes/startPageToken":
			order = append(order, "token")
			_, _ = w.Write([]byte(`{"startPageToken":"100"}`))
		case r.URL.Path == "/files":
			order = append(order, "list")
			q := r.URL.Query().Get("q")
			switch {
			case strings.Contains(q, "'folder-root' in parents"):
				_, _ = w.Write([]byte(`{"files":[
					{"id":"f1","name":"a.pdf","mimeType":"application/pdf","size":"12","modifiedTime":"2026-01-02T03:04:05Z","parents":["folder-root"],"version":"3"},
					{"id":"d1","name":"2026","mimeType":"application/vnd.google-apps.folder","parents":["folder-root"]}
				]}`))
			case strings.Contains(q, "'d1' in parents"):
				_, _ = w.Write([]byte(`{"files":[{"id":"f2","name":"b.png","mimeType":"image/png","size":"5","parents":["d1"]}]}`))
			default:
				t.Errorf("unexpected query %q", q)
				_, _ = w.Write([]byte(`{"files":[]}`))
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, true)

	result, err := client.ListFolder(context.Background(), "folder-root", true)
	if err != nil {
		t.Fatalf("list folder failed: %v", err)
	}
	if result.Cursor != "100" || result.HasMore {
		t.Fatalf("unexpected cursor: %+v", result)
	}
	if len(order) == 0 || order[0] != "token" {
		t.Fatalf("expected start page token before listing, got %v", order)
	}
	files := fileNames(result.Entries)
	if len(files) != 2 || files["f1"] != "a.pdf" || files["f2"] != "b.png" {
		t.Fatalf("unexpected files: %+v", result.Entries)
	}
}

func TestGoogleDriveContinueFiltersToMonitoredFolder(t *testing.T) {
	client := newTestDriveClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/changes":
			if r.URL.Query().Get("pageToken") != "100" {
				t.Errorf("expected pageToken 100, got %q", r.URL.Query().Get("pageToken"))
			}
			_, _ = w.Write([]byte(`{"newStartPageToken":"101","changes":[
				{"fileId":"f3","file":{"id":"f3","name":"c.pdf","mimeType":"application/pdf","parents":["folder-root"]}},
				{"fileId":"x1","file":{"id":"x1","name":"other.pdf","mimeType":"application/pdf","parents":["elsewhere"]}},
				{"fileId":"f1","removed":true}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, false)

	result, err := client.ListFolderContinue(context.Background(), "100")
	if err != nil {
		t.Fatalf("continue failed: %v", err)
	}
	if result.Cursor != "101" || result.HasMore {
		t.Fatalf("unexpected cursor: %+v", result)
	}
	files := fileNames(result.Entries)
	if len(files) != 1 || files["f3"] != "c.pdf" {
		t.Fatalf("expected only monitored file, got %+v", result.Entries)
	}
	if len(result.Entries) != 2 || result.Entries[1].Tag != TagDeleted {
		t.Fatalf("expected removal to surface as deleted entry, got %+v", result.Entries)
	}
}

func TestGoogleDriveInvalidPageTokenIsCursorReset(t *testing.T) {
	client := newTestDriveClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid Value"}}`))
	}, false)

	_, err := client.ListFolderContinue(context.Background(), "bogus")
	if !errors.Is(err, ErrCursorReset) {
		t.Fatalf("expected cursor reset, got %v", err)
	}
}

func TestGoogleDriveUnauthorizedIsTerminal(t *testing.T) {
	client := newTestDriveClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	}, false)

	_, err := client.GetLatestCursor(context.Background(), "folder-root", false)
	if !IsTerminalAuth(err) {
		t.Fatalf("expected terminal auth error, got %v", err)
	}
}

func TestGoogleDriveDownload(t *testing.T) {
	client := newTestDriveClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/f1" || r.URL.Query().Get("alt") != "media" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("image-bytes"))
	}, false)

	data, err := client.DownloadFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected content %q", data)
	}
}
