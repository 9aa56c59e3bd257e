package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/dedup"
	"github.com/agentworkforce/drivesync/internal/extraction"
	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/normalize"
	"github.com/agentworkforce/drivesync/internal/notify"
)

var ErrPassInProgress = errors.New("sync pass already in progress for configuration")

const DefaultMaxFileBytes = 20 << 20

const (
	PassInitial    = "initial"
	PassDelta      = "delta"
	PassRebaseline = "rebaseline"
	PassResync     = "resync"
)

type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType, filename string) (extraction.Result, error)
}

type Archiver interface {
	Put(ctx context.Context, tenantID, name, contentType string, data []byte) (string, error)
}

type ClientOpener func(ctx context.Context, conn clouddrive.Connection, creds clouddrive.Credentials) (clouddrive.Client, error)

type Options struct {
	Store       ledger.Store
	Detector    *dedup.Detector
	Extractor   Extractor
	Normalizer  *normalize.Normalizer
	Notifier    notify.Publisher
	Archive     Archiver
	Credentials clouddrive.Credentials
	OpenClient  ClientOpener

	Extensions   []string
	MaxFileBytes int64
	// OwnTaxID is used for tenants without a tax id of their own.
	OwnTaxID string
	Logger   *slog.Logger
	Now      func() time.Time
}

// PassResult summarizes one sync pass over a configuration.
type PassResult struct {
	ConfigID        string    `json:"configId"`
	TenantID        string    `json:"tenantId"`
	Provider        string    `json:"provider"`
	Kind            string    `json:"kind"`
	Listed          int       `json:"listed"`
	Candidates      int       `json:"candidates"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	ExpensesCreated int       `json:"expensesCreated"`
	Cursor          string    `json:"-"`
	ResyncPending   bool      `json:"resyncPending,omitempty"`
	Deactivated     bool      `json:"deactivated,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// Orchestrator runs sync passes. Passes for one configuration never overlap
// and a remote file is processed by at most one pass at a time.
type Orchestrator struct {
	store      ledger.Store
	detector   *dedup.Detector
	extractor  Extractor
	normalizer *normalize.Normalizer
	notifier   notify.Publisher
	archive    Archiver
	creds      clouddrive.Credentials
	open       ClientOpener

	extensions   []string
	maxFileBytes int64
	ownTaxID     string
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	running  map[string]struct{}
	inFlight map[string]struct{}
	statuses map[string]ConfigStatus
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	detector := opts.Detector
	if detector == nil {
		detector = dedup.NewDetector(opts.Store, dedup.Options{Logger: logger, Now: now})
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = &normalize.Normalizer{Now: now}
	}
	open := opts.OpenClient
	if open == nil {
		open = clouddrive.Open
	}
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = clouddrive.DefaultExtensions
	}
	maxFileBytes := opts.MaxFileBytes
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	return &Orchestrator{
		store:        opts.Store,
		detector:     detector,
		extractor:    opts.Extractor,
		normalizer:   normalizer,
		notifier:     opts.Notifier,
		archive:      opts.Archive,
		creds:        opts.Credentials,
		open:         open,
		extensions:   extensions,
		maxFileBytes: maxFileBytes,
		ownTaxID:     opts.OwnTaxID,
		logger:       logger,
		now:          now,
		running:      map[string]struct{}{},
		inFlight:     map[string]struct{}{},
		statuses:     map[string]ConfigStatus{},
	}, nil
}

// Busy reports whether any configuration has a pass in progress.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running) > 0
}

// SyncConfig runs one pass over the configuration: cursor or delta
// acquisition, filtering, sequential file processing and a single
// persistence of the resulting sync state.
func (o *Orchestrator) SyncConfig(ctx context.Context, cfg ledger.CloudDriveConfig) (PassResult, error) {
	if !o.beginPass(cfg.ID) {
		return PassResult{}, ErrPassInProgress
	}
	defer o.endPass(cfg.ID)

	logger := o.logger.With("tenant", cfg.TenantID, "config", cfg.ID, "provider", cfg.Provider)
	pass := &passState{
		cfg:    cfg,
		logger: logger,
		result: PassResult{
			ConfigID:  cfg.ID,
			TenantID:  cfg.TenantID,
			Provider:  cfg.Provider,
			StartedAt: o.now().UTC(),
		},
		ownTaxID: o.ownTaxIDFor(ctx, cfg.TenantID),
	}
	o.setStatus(cfg, StateSyncing, nil, nil)
	o.broadcast(cfg.TenantID, notify.EventSyncStatus, map[string]any{
		"configId": cfg.ID,
		"provider": cfg.Provider,
		"status":   "started",
	})

	conn := clouddrive.NewConnection(cfg.Provider, cfg.FolderPath, cfg.Recursive, cfg.AccessToken, cfg.RefreshToken, cfg.TokenExpiry)
	pass.persisted = conn.Token
	client, err := o.open(ctx, conn, o.creds)
	if err != nil {
		return o.failPass(ctx, pass, fmt.Errorf("open %s client: %w", cfg.Provider, err))
	}
	pass.client = client

	if err := client.EnsureValidToken(ctx); err != nil {
		return o.failPass(ctx, pass, err)
	}
	o.persistRefreshedToken(ctx, pass)

	entries, err := o.collect(ctx, pass)
	if err != nil {
		return o.failPass(ctx, pass, err)
	}

	candidates := o.filter(ctx, pass, entries)
	pass.result.Candidates = len(candidates)
	logger.Info("sync pass listed remote files",
		"kind", pass.result.Kind, "listed", pass.result.Listed, "candidates", len(candidates))

	for _, entry := range candidates {
		if ctx.Err() != nil {
			logger.Info("sync pass interrupted", "remaining", len(candidates)-pass.result.Completed-pass.result.Failed-pass.result.Skipped)
			break
		}
		outcome, err := o.processFile(ctx, pass, entry)
		switch outcome {
		case outcomeCompleted:
			pass.result.Completed++
		case outcomeFailed:
			pass.result.Failed++
		default:
			pass.result.Skipped++
		}
		if err != nil && clouddrive.IsTerminalAuth(err) {
			return o.failPass(ctx, pass, err)
		}
	}

	return o.finishPass(ctx, pass)
}

type passState struct {
	cfg       ledger.CloudDriveConfig
	client    clouddrive.Client
	logger    *slog.Logger
	result    PassResult
	cursor    string
	persisted clouddrive.Token
	ownTaxID  string
}

// needsResync reports whether a file seen by this pass may not have reached
// a final state, in which case the next pass lists the whole folder again.
func (p *passState) needsResync() bool {
	r := p.result
	if r.Kind == PassRebaseline || r.Failed > 0 {
		return true
	}
	return r.Completed+r.Failed+r.Skipped < r.Candidates
}

// collect returns the entries to consider for this pass and records the
// cursor the pass will store.
func (o *Orchestrator) collect(ctx context.Context, pass *passState) ([]clouddrive.Entry, error) {
	cfg := pass.cfg
	switch {
	case cfg.Cursor == "":
		pass.result.Kind = PassInitial
		return o.fullListing(ctx, pass)
	case cfg.ResyncPending:
		pass.result.Kind = PassResync
		return o.fullListing(ctx, pass)
	}

	pass.result.Kind = PassDelta
	var entries []clouddrive.Entry
	cursor := cfg.Cursor
	for {
		page, err := pass.client.ListFolderContinue(ctx, cursor)
		if errors.Is(err, clouddrive.ErrCursorReset) {
			pass.logger.Warn("sync cursor rejected by provider, re-baselining", "error", err)
			return nil, o.rebaseline(ctx, pass)
		}
		if err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}
		entries = append(entries, page.Entries...)
		if page.Cursor != "" {
			cursor = page.Cursor
		}
		if !page.HasMore {
			break
		}
	}
	pass.cursor = cursor
	pass.result.Listed = len(entries)
	return entries, nil
}

func (o *Orchestrator) fullListing(ctx context.Context, pass *passState) ([]clouddrive.Entry, error) {
	cfg := pass.cfg
	page, err := pass.client.ListFolder(ctx, cfg.FolderPath, cfg.Recursive)
	if err != nil {
		return nil, fmt.Errorf("list folder: %w", err)
	}
	entries := append([]clouddrive.Entry(nil), page.Entries...)
	cursor := page.Cursor
	for page.HasMore {
		page, err = pass.client.ListFolderContinue(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list folder continuation: %w", err)
		}
		entries = append(entries, page.Entries...)
		if page.Cursor != "" {
			cursor = page.Cursor
		}
	}
	if cursor == "" {
		cursor, err = pass.client.GetLatestCursor(ctx, cfg.FolderPath, cfg.Recursive)
		if err != nil {
			return nil, fmt.Errorf("get latest cursor: %w", err)
		}
	}
	pass.cursor = cursor
	pass.result.Listed = len(entries)
	return entries, nil
}

// rebaseline replaces a rejected cursor with the cursor of a fresh full
// listing. No files are processed in a re-baselining pass; the listed files
// are picked up by the resync pass that follows it.
func (o *Orchestrator) rebaseline(ctx context.Context, pass *passState) error {
	pass.result.Kind = PassRebaseline
	entries, err := o.fullListing(ctx, pass)
	if err != nil {
		return fmt.Errorf("re-baseline: %w", err)
	}
	pass.logger.Info("sync cursor re-baselined", "listed", len(entries))
	return nil
}

func (o *Orchestrator) filter(ctx context.Context, pass *passState, entries []clouddrive.Entry) []clouddrive.Entry {
	seen := map[string]struct{}{}
	var out []clouddrive.Entry
	for _, entry := range entries {
		if !entry.IsFile() || !clouddrive.IsSupported(entry.Name, o.extensions) {
			continue
		}
		if _, dup := seen[entry.Path]; dup {
			continue
		}
		seen[entry.Path] = struct{}{}
		if o.isInFlight(pass.cfg.TenantID, entry.Path) {
			continue
		}
		if !o.detector.IsNew(ctx, pass.cfg.TenantID, entry.Path, entry.Name) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// persistRefreshedToken writes a token the client refreshed during the pass
// back to the store right away.
func (o *Orchestrator) persistRefreshedToken(ctx context.Context, pass *passState) {
	update, changed := tokenUpdate(pass)
	if !changed {
		return
	}
	if err := o.store.UpdateDriveConfig(ctx, pass.cfg.TenantID, pass.cfg.ID, update); err != nil {
		pass.logger.Error("persist refreshed token failed", "error", err)
		return
	}
	pass.persisted = pass.client.CurrentToken()
	pass.logger.Info("persisted refreshed access token")
}

func (o *Orchestrator) finishPass(ctx context.Context, pass *passState) (PassResult, error) {
	now := o.now().UTC()
	update, _ := tokenUpdate(pass)
	update.LastSyncAt = ledger.TimePtr(now)
	if pass.cursor != "" && pass.cursor != pass.cfg.Cursor {
		update.Cursor = ledger.StringPtr(pass.cursor)
	}
	resync := pass.needsResync()
	if resync != pass.cfg.ResyncPending {
		update.ResyncPending = ledger.BoolPtr(resync)
	}
	pass.result.ResyncPending = resync
	pass.result.Cursor = pass.cursor
	if pass.result.Cursor == "" {
		pass.result.Cursor = pass.cfg.Cursor
	}
	pass.result.FinishedAt = now

	// An interrupted pass still records how far it got.
	if err := o.store.UpdateDriveConfig(context.WithoutCancel(ctx), pass.cfg.TenantID, pass.cfg.ID, update); err != nil {
		err = fmt.Errorf("persist sync state: %w", err)
		o.setStatus(pass.cfg, StateFailed, &pass.result, err)
		o.broadcast(pass.cfg.TenantID, notify.EventError, map[string]any{
			"configId": pass.cfg.ID,
			"error":    err.Error(),
		})
		return pass.result, err
	}
	o.setStatus(pass.cfg, StateIdle, &pass.result, nil)
	o.broadcast(pass.cfg.TenantID, notify.EventSyncStatus, map[string]any{
		"configId":  pass.cfg.ID,
		"provider":  pass.cfg.Provider,
		"status":    "completed",
		"kind":      pass.result.Kind,
		"completed": pass.result.Completed,
		"failed":    pass.result.Failed,
		"skipped":   pass.result.Skipped,
		"expenses":  pass.result.ExpensesCreated,
		"resync":    resync,
	})
	pass.logger.Info("sync pass completed",
		"kind", pass.result.Kind,
		"completed", pass.result.Completed,
		"failed", pass.result.Failed,
		"skipped", pass.result.Skipped,
		"expenses", pass.result.ExpensesCreated,
		"resync", resync)
	return pass.result, nil
}

// failPass aborts the pass for this configuration only. Terminal auth
// failures deactivate the configuration.
func (o *Orchestrator) failPass(ctx context.Context, pass *passState, cause error) (PassResult, error) {
	now := o.now().UTC()
	pass.result.FinishedAt = now
	var update ledger.DriveConfigUpdate
	if pass.client != nil {
		update, _ = tokenUpdate(pass)
	}
	if clouddrive.IsTerminalAuth(cause) {
		update.Active = ledger.BoolPtr(false)
		update.LastSyncAt = ledger.TimePtr(now)
		pass.result.Deactivated = true
		pass.logger.Error("authentication failed permanently, deactivating configuration", "error", cause)
	} else {
		pass.logger.Error("sync pass failed", "error", cause)
	}
	if !update.IsZero() {
		if err := o.store.UpdateDriveConfig(ctx, pass.cfg.TenantID, pass.cfg.ID, update); err != nil {
			pass.logger.Error("persist failed pass state", "error", err)
		}
	}
	o.setStatus(pass.cfg, StateFailed, &pass.result, cause)
	o.broadcast(pass.cfg.TenantID, notify.EventError, map[string]any{
		"configId":    pass.cfg.ID,
		"provider":    pass.cfg.Provider,
		"error":       cause.Error(),
		"deactivated": pass.result.Deactivated,
	})
	return pass.result, cause
}

func tokenUpdate(pass *passState) (ledger.DriveConfigUpdate, bool) {
	var update ledger.DriveConfigUpdate
	if pass.client == nil {
		return update, false
	}
	current := pass.client.CurrentToken()
	if current.AccessToken == "" || current.Equal(pass.persisted) {
		return update, false
	}
	update.AccessToken = ledger.StringPtr(current.AccessToken)
	if current.RefreshToken != "" {
		update.RefreshToken = ledger.StringPtr(current.RefreshToken)
	}
	if !current.Expiry.IsZero() {
		update.TokenExpiry = ledger.TimePtr(current.Expiry.UTC())
	}
	return update, true
}

func (o *Orchestrator) ownTaxIDFor(ctx context.Context, tenantID string) string {
	tenant, err := o.store.GetTenant(ctx, tenantID)
	if err == nil && tenant.TaxID != "" {
		return tenant.TaxID
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		o.logger.Warn("tenant lookup failed, using default tax id", "tenant", tenantID, "error", err)
	}
	return o.ownTaxID
}

func (o *Orchestrator) broadcast(tenantID, eventType string, payload any) {
	if o.notifier == nil {
		return
	}
	o.notifier.Broadcast(tenantID, eventType, payload)
}

func (o *Orchestrator) beginPass(configID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[configID]; ok {
		return false
	}
	o.running[configID] = struct{}{}
	return true
}

func (o *Orchestrator) endPass(configID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, configID)
}

func (o *Orchestrator) markInFlight(tenantID, path string) bool {
	key := inFlightKey(tenantID, path)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inFlight[key]; ok {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkInFlight(tenantID, path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, inFlightKey(tenantID, path))
}

func (o *Orchestrator) isInFlight(tenantID, path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[inFlightKey(tenantID, path)]
	return ok
}

func inFlightKey(tenantID, path string) string {
	return tenantID + "\x00" + path
}
