package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/syncer"
)

// Triggerer starts out-of-cycle sync passes.
type Triggerer interface {
	TriggerAccount(ctx context.Context, provider, accountID string) (int, error)
	TriggerTenant(ctx context.Context, tenantID string) (int, error)
}

type StatusSource interface {
	Statuses(tenantID string) []syncer.ConfigStatus
}

type EventStream interface {
	ServeWebSocket(w http.ResponseWriter, r *http.Request, tenantID string, originPatterns []string)
}

type ServerConfig struct {
	JWTSecret         string
	DropboxAppSecret  string
	DriveChannelToken string
	// WebhooksEnabled is false in polling mode; webhook routes then 404.
	WebhooksEnabled bool
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	Logger          *slog.Logger
}

type Server struct {
	triggers    Triggerer
	statuses    StatusSource
	events      EventStream
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type dropboxNotification struct {
	ListFolder struct {
		Accounts []string `json:"accounts"`
	} `json:"list_folder"`
}

type triggerResponse struct {
	TenantID string `json:"tenantId,omitempty"`
	Provider string `json:"provider,omitempty"`
	Started  int    `json:"started"`
}

type statusResponse struct {
	TenantID string                `json:"tenantId"`
	Configs  []syncer.ConfigStatus `json:"configs"`
}

func NewServer(triggers Triggerer, statuses StatusSource, events EventStream, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		triggers:    triggers,
		statuses:    statuses,
		events:      events,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if strings.HasPrefix(r.URL.Path, "/v1/webhooks/") {
		if !s.cfg.WebhooksEnabled {
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
			return
		}
		switch {
		case r.URL.Path == "/v1/webhooks/dropbox" && r.Method == http.MethodGet:
			s.handleDropboxChallenge(w, r)
		case r.URL.Path == "/v1/webhooks/dropbox" && r.Method == http.MethodPost:
			s.handleDropboxNotification(w, r, correlationID)
		case r.URL.Path == "/v1/webhooks/google-drive" && r.Method == http.MethodPost:
			s.handleDriveNotification(w, r, correlationID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		}
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	authHeader := r.Header.Get("Authorization")
	switch {
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_trigger"
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
		// Browsers cannot set headers on a websocket handshake.
		if authHeader == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, tenantID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync_trigger":
		s.handleSyncTrigger(w, r, tenantID, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, tenantID, correlationID)
	case "events":
		s.handleEvents(w, r, tenantID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleDropboxChallenge echoes the verification challenge Dropbox sends
// when a webhook URI is registered.
func (s *Server) handleDropboxChallenge(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (s *Server) handleDropboxNotification(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if authErr := verifyDropboxSignature(s.cfg.DropboxAppSecret, r.Header.Get("X-Dropbox-Signature"), body); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	var notification dropboxNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	started := 0
	for _, account := range notification.ListFolder.Accounts {
		account = strings.TrimSpace(account)
		if account == "" {
			continue
		}
		n, err := s.triggers.TriggerAccount(r.Context(), ledger.ProviderDropbox, account)
		if err != nil {
			s.logger.Error("dropbox webhook trigger failed", "account", account, "error", err, "correlation_id", correlationID)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to trigger sync", correlationID)
			return
		}
		started += n
	}
	s.logger.Info("dropbox webhook received", "accounts", len(notification.ListFolder.Accounts), "started", started, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, triggerResponse{Provider: ledger.ProviderDropbox, Started: started})
}

func (s *Server) handleDriveNotification(w http.ResponseWriter, r *http.Request, correlationID string) {
	if _, ok := s.readRequestBody(w, r, correlationID); !ok {
		return
	}
	if authErr := verifyChannelToken(s.cfg.DriveChannelToken, r.Header.Get("X-Goog-Channel-Token")); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	// The first message on a new channel only confirms the subscription.
	if strings.EqualFold(r.Header.Get("X-Goog-Resource-State"), "sync") {
		writeJSON(w, http.StatusOK, triggerResponse{Provider: ledger.ProviderGoogleDrive})
		return
	}
	account := strings.TrimSpace(r.Header.Get("X-Goog-Channel-ID"))
	if account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Goog-Channel-ID header", correlationID)
		return
	}
	started, err := s.triggers.TriggerAccount(r.Context(), ledger.ProviderGoogleDrive, account)
	if err != nil {
		s.logger.Error("google drive webhook trigger failed", "channel", account, "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to trigger sync", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Provider: ledger.ProviderGoogleDrive, Started: started})
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	started, err := s.triggers.TriggerTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{TenantID: tenantID, Started: started})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, tenantID, correlationID string) {
	if s.statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync status is not available", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{TenantID: tenantID, Configs: s.statuses.Statuses(tenantID)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream is not available", correlationID)
		return
	}
	s.events.ServeWebSocket(w, r, tenantID, s.cfg.AllowedOrigins)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
