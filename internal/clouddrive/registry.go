package clouddrive

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Connection carries what a provider needs to open a client for one
// configured folder.
type Connection struct {
	Provider   string
	FolderPath string
	Recursive  bool
	Token      Token
}

type Credentials struct {
	Dropbox     AppCredentials
	GoogleDrive AppCredentials
	HTTPClient  *http.Client
}

type Factory func(ctx context.Context, conn Connection, creds Credentials) (Client, error)

var providerRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterProvider(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || factory == nil {
		return
	}
	providerRegistry.mu.Lock()
	defer providerRegistry.mu.Unlock()
	providerRegistry.factories[name] = factory
}

func lookupProvider(name string) (Factory, bool) {
	providerRegistry.mu.RLock()
	defer providerRegistry.mu.RUnlock()
	factory, ok := providerRegistry.factories[strings.ToLower(strings.TrimSpace(name))]
	return factory, ok
}

// Open builds the client for a connection. Registered factories take
// precedence over the built-in providers.
func Open(ctx context.Context, conn Connection, creds Credentials) (Client, error) {
	if factory, ok := lookupProvider(conn.Provider); ok {
		return factory(ctx, conn, creds)
	}
	switch strings.ToLower(strings.TrimSpace(conn.Provider)) {
	case "dropbox":
		return NewDropboxClient(conn.Token, creds.Dropbox, DropboxOptions{HTTPClient: creds.HTTPClient}), nil
	case "google_drive":
		return NewGoogleDriveClient(ctx, conn.FolderPath, conn.Recursive, conn.Token, creds.GoogleDrive)
	case "local":
		return NewLocalClient(conn.FolderPath)
	default:
		return nil, fmt.Errorf("unsupported cloud drive provider: %s", conn.Provider)
	}
}

func NewConnection(provider, folderPath string, recursive bool, accessToken, refreshToken string, expiry *time.Time) Connection {
	conn := Connection{
		Provider:   provider,
		FolderPath: folderPath,
		Recursive:  recursive,
		Token: Token{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
		},
	}
	if expiry != nil {
		conn.Token.Expiry = *expiry
	}
	return conn
}
