package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/drivesync/internal/ledger"
)

const DefaultStaleAfter = time.Hour

type Options struct {
	// StaleAfter is how long a pending or processing document may sit before
	// it is considered abandoned and eligible for retry.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type Detector struct {
	store      ledger.Store
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewDetector(store ledger.Store, opts Options) *Detector {
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		store:      store,
		staleAfter: staleAfter,
		logger:     logger,
		now:        now,
		seen:       map[string]struct{}{},
	}
}

// IsNew reports whether a remote file still needs processing for the
// tenant. Lookup failures are treated as new.
func (d *Detector) IsNew(ctx context.Context, tenantID, path, filename string) bool {
	if d.cached(tenantID, path) {
		return false
	}
	docs, err := d.store.FindDocumentsByFilename(ctx, tenantID, filename)
	if err != nil {
		d.logger.Warn("duplicate lookup failed, assuming new",
			"tenant", tenantID, "path", path, "error", err)
		return true
	}
	for _, doc := range docs {
		switch {
		case doc.Status == ledger.StatusCompleted:
			d.Remember(tenantID, path)
			return false
		case d.inProgress(doc):
			return false
		}
	}
	return true
}

func (d *Detector) Remember(tenantID, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[cacheKey(tenantID, path)] = struct{}{}
}

func (d *Detector) Forget(tenantID, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, cacheKey(tenantID, path))
}

// FindReusable returns the most recent failed or abandoned document for the
// filename so a retry updates it instead of creating a second row.
func (d *Detector) FindReusable(ctx context.Context, tenantID, filename string) (ledger.Document, bool) {
	docs, err := d.store.FindDocumentsByFilename(ctx, tenantID, filename)
	if err != nil {
		d.logger.Warn("reusable document lookup failed", "tenant", tenantID, "filename", filename, "error", err)
		return ledger.Document{}, false
	}
	var match ledger.Document
	found := false
	for _, doc := range docs {
		if doc.OriginalFilename != filename {
			continue
		}
		if doc.Status == ledger.StatusFailed || d.stale(doc) {
			if !found || doc.CreatedAt.After(match.CreatedAt) {
				match = doc
				found = true
			}
		}
	}
	return match, found
}

// IsDuplicateContent looks for a completed document of the tenant with the
// same content hash.
func (d *Detector) IsDuplicateContent(ctx context.Context, tenantID, contentHash string) (ledger.Document, bool) {
	if contentHash == "" {
		return ledger.Document{}, false
	}
	docs, err := d.store.FindDocumentsByHash(ctx, tenantID, contentHash)
	if err != nil {
		d.logger.Warn("content hash lookup failed, assuming new", "tenant", tenantID, "error", err)
		return ledger.Document{}, false
	}
	for _, doc := range docs {
		if doc.Status == ledger.StatusCompleted {
			return doc, true
		}
	}
	return ledger.Document{}, false
}

func (d *Detector) cached(tenantID, path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.seen[cacheKey(tenantID, path)]
	return ok
}

func (d *Detector) inProgress(doc ledger.Document) bool {
	if doc.Status != ledger.StatusPending && doc.Status != ledger.StatusProcessing {
		return false
	}
	return !d.stale(doc)
}

func (d *Detector) stale(doc ledger.Document) bool {
	if doc.Status != ledger.StatusPending && doc.Status != ledger.StatusProcessing {
		return false
	}
	updated := doc.UpdatedAt
	if updated.IsZero() {
		updated = doc.CreatedAt
	}
	return d.now().Sub(updated) > d.staleAfter
}

func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cacheKey(tenantID, path string) string {
	return tenantID + "\x00" + path
}
