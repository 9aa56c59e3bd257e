package clouddrive

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
)

const (
	dropboxTokenURL = "https://api.dropboxapi.com/oauth2/token"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
)

// AppCredentials are the OAuth client credentials of the registered app for
// one provider.
type AppCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func (c AppCredentials) configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.TokenURL) != ""
}

// tokenManager owns the access token of one drive connection and refreshes it
// through the provider's token endpoint. It satisfies oauth2.TokenSource.
type tokenManager struct {
	mu         sync.Mutex
	provider   string
	conf       *oauth2.Config
	token      *oauth2.Token
	httpClient *http.Client
}

func newTokenManager(provider string, token Token, app AppCredentials, httpClient *http.Client) *tokenManager {
	m := &tokenManager{
		provider:   provider,
		httpClient: httpClient,
		token: &oauth2.Token{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			Expiry:       token.Expiry,
			TokenType:    "Bearer",
		},
	}
	if app.configured() {
		m.conf = &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  app.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}
	return m
}

func (m *tokenManager) Token() (*oauth2.Token, error) {
	if err := m.ensureValid(context.Background()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := *m.token
	return &tok, nil
}

func (m *tokenManager) ensureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.Valid() {
		return nil
	}
	return m.refreshLocked(ctx)
}

// forceRefresh is used after the provider rejected a token that still looked
// valid locally.
func (m *tokenManager) forceRefresh(ctx context.Context, rejected string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token.AccessToken != rejected && m.token.Valid() {
		return nil
	}
	return m.refreshLocked(ctx)
}

func (m *tokenManager) refreshLocked(ctx context.Context) error {
	if m.conf == nil || strings.TrimSpace(m.token.RefreshToken) == "" {
		return &AuthError{Provider: m.provider, Terminal: true, Err: errors.New("access token expired and no refresh token is available")}
	}
	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	refreshed, err := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: m.token.RefreshToken}).Token()
	if err != nil {
		return classifyRefreshError(m.provider, err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = m.token.RefreshToken
	}
	m.token = refreshed
	return nil
}

func (m *tokenManager) accessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token.AccessToken
}

func (m *tokenManager) current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Token{
		AccessToken:  m.token.AccessToken,
		RefreshToken: m.token.RefreshToken,
		Expiry:       m.token.Expiry,
	}
}

func classifyRefreshError(provider string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		terminal := retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_client"
		if retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				terminal = true
			}
		}
		return &AuthError{Provider: provider, Terminal: terminal, Err: err}
	}
	return &AuthError{Provider: provider, Terminal: false, Err: err}
}
