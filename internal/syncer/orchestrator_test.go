package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/extraction"
	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/notify"
)

type fakeDrive struct {
	mu           sync.Mutex
	files        map[string][]byte
	cursor       string
	latest       string
	changes      map[string]clouddrive.ListResult
	resets       map[string]bool
	downloadErrs map[string]error
	listErr      error
	ensureErr    error
	token        clouddrive.Token
	refreshed    *clouddrive.Token
	// midDownload replaces the token while a download is in flight, the way
	// a client does after a 401.
	midDownload *clouddrive.Token
	downloads   []string
	listCalls   int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		files:        map[string][]byte{},
		cursor:       "cursor-1",
		latest:       "cursor-latest",
		changes:      map[string]clouddrive.ListResult{},
		resets:       map[string]bool{},
		downloadErrs: map[string]error{},
		token:        clouddrive.Token{AccessToken: "access-old", RefreshToken: "refresh"},
	}
}

func (f *fakeDrive) Provider() string { return "dropbox" }

func (f *fakeDrive) ListFolder(ctx context.Context, path string, recursive bool) (clouddrive.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return clouddrive.ListResult{}, f.listErr
	}
	var entries []clouddrive.Entry
	for p, data := range f.files {
		entries = append(entries, fileEntry(p, int64(len(data))))
	}
	entries = append(entries, clouddrive.Entry{Path: "/Faturas/2026", Name: "2026", Tag: clouddrive.TagFolder})
	return clouddrive.ListResult{Entries: entries, Cursor: f.cursor}, nil
}

func (f *fakeDrive) ListFolderContinue(ctx context.Context, cursor string) (clouddrive.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resets[cursor] {
		return clouddrive.ListResult{}, fmt.Errorf("list_folder/continue: %w", clouddrive.ErrCursorReset)
	}
	if res, ok := f.changes[cursor]; ok {
		return res, nil
	}
	return clouddrive.ListResult{Cursor: cursor}, nil
}

func (f *fakeDrive) GetLatestCursor(ctx context.Context, path string, recursive bool) (string, error) {
	return f.latest, nil
}

func (f *fakeDrive) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, path)
	if f.midDownload != nil {
		f.token = *f.midDownload
		f.midDownload = nil
	}
	if err := f.downloadErrs[path]; err != nil {
		return nil, err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return data, nil
}

func (f *fakeDrive) EnsureValidToken(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if f.refreshed != nil {
		f.token = *f.refreshed
		f.refreshed = nil
	}
	return nil
}

func (f *fakeDrive) CurrentToken() clouddrive.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeDrive) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

func fileEntry(path string, size int64) clouddrive.Entry {
	name := path[strings.LastIndex(path, "/")+1:]
	return clouddrive.Entry{Path: path, Name: name, Size: size, Tag: clouddrive.TagFile, Revision: "rev-" + name}
}

type stubBackend struct {
	name      string
	result    extraction.Result
	err       error
	onExtract func()
	mu        sync.Mutex
	calls     int
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) ExtractFromPDF(ctx context.Context, data []byte, filename string) (extraction.Result, error) {
	return b.extract()
}

func (b *stubBackend) ExtractFromImage(ctx context.Context, data []byte, mimeType, filename string) (extraction.Result, error) {
	return b.extract()
}

func (b *stubBackend) extract() (extraction.Result, error) {
	if b.onExtract != nil {
		b.onExtract()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return extraction.Result{}, b.err
	}
	result := b.result
	fields := make(map[string]any, len(result.Fields))
	for k, v := range result.Fields {
		fields[k] = v
	}
	result.Fields = fields
	return result, nil
}

func invoiceResult(amount float64, confidence float64) extraction.Result {
	return extraction.Result{
		Fields: map[string]any{
			"vendor":         "EDP Comercial",
			"nif":            "503504564",
			"total_amount":   amount,
			"vat_rate":       23.0,
			"invoice_date":   "2026-03-15",
			"invoice_number": "FT 2026/77",
			"description":    "Fornecimento de eletricidade",
		},
		Confidence: confidence,
	}
}

type harness struct {
	store  *ledger.MemoryStore
	drive  *fakeDrive
	orch   *Orchestrator
	hub    *notify.Hub
	events *notify.Subscription
	cfg    ledger.CloudDriveConfig
}

func newHarness(t *testing.T, primary, fallback extraction.Backend) *harness {
	t.Helper()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateTenant(ctx, ledger.Tenant{ID: "tenant-1", Name: "Contabilidade Silva", TaxID: "PT 509 999 999"}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	cfg, err := store.CreateDriveConfig(ctx, ledger.CloudDriveConfig{
		TenantID:     "tenant-1",
		Provider:     ledger.ProviderDropbox,
		AccountID:    "dbid:1",
		FolderPath:   "/Faturas",
		AccessToken:  "access-old",
		RefreshToken: "refresh",
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	drive := newFakeDrive()
	hub := notify.NewHub(256, nil)
	extractor := extraction.NewExtractor(primary, fallback, extraction.ExtractorOptions{})
	orch, err := NewOrchestrator(Options{
		Store:     store,
		Extractor: extractor,
		Notifier:  hub,
		OpenClient: func(ctx context.Context, conn clouddrive.Connection, creds clouddrive.Credentials) (clouddrive.Client, error) {
			return drive, nil
		},
		Now: func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &harness{store: store, drive: drive, orch: orch, hub: hub, events: hub.Subscribe("tenant-1"), cfg: cfg}
}

func (h *harness) reloadConfig(t *testing.T) ledger.CloudDriveConfig {
	t.Helper()
	cfg, err := h.store.GetDriveConfig(context.Background(), h.cfg.TenantID, h.cfg.ID)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	return cfg
}

func (h *harness) eventTypes() []string {
	var out []string
	for {
		select {
		case event := <-h.events.Events():
			out = append(out, event.Type)
		default:
			return out
		}
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestInitialSyncCreatesDocumentAndExpense(t *testing.T) {
	primary := &stubBackend{name: "gemini", result: invoiceResult(123, 0.92)}
	h := newHarness(t, primary, nil)
	h.drive.files["/Faturas/edp-marco.pdf"] = []byte("%PDF-1.4 edp")

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Kind != PassInitial || result.Completed != 1 || result.ExpensesCreated != 1 {
		t.Fatalf("unexpected pass result %+v", result)
	}

	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
	doc := docs[0]
	if doc.Status != ledger.StatusCompleted || doc.ProcessingMethod != "gemini" || doc.Confidence != 0.92 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.OriginalFilename != "edp-marco.pdf" || doc.MIMEType != "application/pdf" || doc.ContentHash == "" {
		t.Fatalf("unexpected document metadata %+v", doc)
	}
	if !strings.Contains(string(doc.ExtractedData), `"usedModel":"gemini"`) {
		t.Fatalf("expected extraction blob to be stored, got %s", doc.ExtractedData)
	}

	expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1")
	if len(expenses) != 1 {
		t.Fatalf("expected one expense, got %d", len(expenses))
	}
	expense := expenses[0]
	if expense.Amount != 123 || expense.Vendor != "EDP Comercial" || !expense.Deductible {
		t.Fatalf("unexpected expense %+v", expense)
	}
	if expense.DocumentID == nil || *expense.DocumentID != doc.ID {
		t.Fatalf("expected expense to reference document %s, got %v", doc.ID, expense.DocumentID)
	}

	cfg := h.reloadConfig(t)
	if cfg.Cursor != "cursor-1" {
		t.Fatalf("expected initial cursor to be stored, got %q", cfg.Cursor)
	}
	if cfg.LastSyncAt == nil {
		t.Fatalf("expected last sync time to be stamped")
	}

	events := h.eventTypes()
	for _, want := range []string{notify.EventSyncStatus, notify.EventDocumentProcessing, notify.EventExpenseCreated} {
		if !contains(events, want) {
			t.Fatalf("expected %s event, got %v", want, events)
		}
	}
}

func TestInitialSyncFetchesCursorWhenListingHasNone(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.8)}, nil)
	h.drive.cursor = ""
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if cfg := h.reloadConfig(t); cfg.Cursor != "cursor-latest" {
		t.Fatalf("expected latest cursor to be stored, got %q", cfg.Cursor)
	}
}

func TestSecondPassWithoutChangesIsNoop(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(50, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	downloads := h.drive.downloadCount()
	first := h.reloadConfig(t)

	result, err := h.orch.SyncConfig(context.Background(), first)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result.Kind != PassDelta || result.Candidates != 0 {
		t.Fatalf("expected empty delta pass, got %+v", result)
	}
	if got := len(h.store.Documents("tenant-1")); got != 1 {
		t.Fatalf("expected no new documents, got %d", got)
	}
	if h.drive.downloadCount() != downloads {
		t.Fatalf("expected no downloads on second pass")
	}
	if second := h.reloadConfig(t); second.Cursor != first.Cursor {
		t.Fatalf("expected cursor unchanged, got %q -> %q", first.Cursor, second.Cursor)
	}
}

func TestCompletedFilesAreNeverDownloadedAgain(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(50, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	downloads := h.drive.downloadCount()

	fresh, err := NewOrchestrator(Options{
		Store:     h.store,
		Extractor: extraction.NewExtractor(&stubBackend{name: "gemini", result: invoiceResult(50, 0.9)}, nil, extraction.ExtractorOptions{}),
		OpenClient: func(context.Context, clouddrive.Connection, clouddrive.Credentials) (clouddrive.Client, error) {
			return h.drive, nil
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	cfg := h.reloadConfig(t)
	cfg.Cursor = ""
	if _, err := fresh.SyncConfig(context.Background(), cfg); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if h.drive.downloadCount() != downloads {
		t.Fatalf("expected completed file to be skipped by a fresh process")
	}
}

func TestFallbackBackendProducesExpense(t *testing.T) {
	primary := &stubBackend{name: "gemini", err: &extraction.BackendError{Backend: "gemini", Kind: extraction.KindQuota, Err: errors.New("resource exhausted")}}
	fallback := &stubBackend{name: "openai", result: invoiceResult(99, 0.7)}
	h := newHarness(t, primary, fallback)
	h.drive.files["/Faturas/recibo.jpg"] = []byte("jpeg")

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].Status != ledger.StatusCompleted {
		t.Fatalf("expected completed document, got %+v", docs)
	}
	if docs[0].ProcessingMethod != "openai" || docs[0].Confidence != 0.7 {
		t.Fatalf("expected fallback to be recorded, got %+v", docs[0])
	}
	if !strings.Contains(string(docs[0].ExtractedData), `"fallbackUsed":true`) {
		t.Fatalf("expected fallback flag in stored result: %s", docs[0].ExtractedData)
	}
	expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1")
	if len(expenses) != 1 || expenses[0].Amount != 99 {
		t.Fatalf("expected fallback amount expense, got %+v", expenses)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected one call per backend, got %d/%d", primary.calls, fallback.calls)
	}
}

func TestBothBackendsFailingMarksDocumentFailedAndRetryable(t *testing.T) {
	primary := &stubBackend{name: "gemini", err: errors.New("quota exceeded")}
	fallback := &stubBackend{name: "openai", err: errors.New("invalid api key")}
	h := newHarness(t, primary, fallback)
	h.drive.files["/Faturas/x.pdf"] = []byte("x")

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("a failing file must not fail the pass: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failed file, got %+v", result)
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 {
		t.Fatalf("expected one document, got %d", len(docs))
	}
	failed := docs[0]
	if failed.Status != ledger.StatusFailed || failed.Confidence != extraction.FailureConfidence {
		t.Fatalf("unexpected failed document %+v", failed)
	}
	if !strings.Contains(failed.ErrorMessage, "quota exceeded") || !strings.Contains(failed.ErrorMessage, "invalid api key") {
		t.Fatalf("expected both backend errors in message, got %q", failed.ErrorMessage)
	}
	if expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1"); len(expenses) != 0 {
		t.Fatalf("expected no expenses, got %d", len(expenses))
	}
	if !h.orch.detector.IsNew(context.Background(), "tenant-1", "/Faturas/x.pdf", "x.pdf") {
		t.Fatalf("failed file must stay retry-eligible")
	}

	cfg := h.reloadConfig(t)
	if cfg.Cursor != "cursor-1" || !cfg.ResyncPending {
		t.Fatalf("expected cursor stored with a resync pending, got %+v", cfg)
	}

	primary.mu.Lock()
	primary.err = nil
	primary.result = invoiceResult(40, 0.8)
	primary.mu.Unlock()
	// The provider reports no changes after the failure.
	retry, err := h.orch.SyncConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("retry sync failed: %v", err)
	}
	if retry.Kind != PassResync || retry.Completed != 1 || retry.ResyncPending {
		t.Fatalf("expected the failed file to be retried by a resync pass, got %+v", retry)
	}
	if cfg := h.reloadConfig(t); cfg.ResyncPending {
		t.Fatalf("expected resync flag cleared after a clean pass")
	}
	docs = h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].ID != failed.ID || docs[0].Status != ledger.StatusCompleted {
		t.Fatalf("expected failed row to be reused and completed, got %+v", docs)
	}
	if docs[0].ErrorMessage != "" {
		t.Fatalf("expected error message cleared, got %q", docs[0].ErrorMessage)
	}
}

func TestCursorResetRebaselinesWithoutProcessing(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	h.drive.resets["stale"] = true
	if err := h.store.UpdateDriveConfig(context.Background(), "tenant-1", h.cfg.ID, ledger.DriveConfigUpdate{Cursor: ledger.StringPtr("stale")}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	result, err := h.orch.SyncConfig(context.Background(), h.reloadConfig(t))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Kind != PassRebaseline || result.Candidates != 0 {
		t.Fatalf("expected re-baseline pass, got %+v", result)
	}
	if h.drive.downloadCount() != 0 || len(h.store.Documents("tenant-1")) != 0 {
		t.Fatalf("expected no file processing during re-baseline")
	}
	cfg := h.reloadConfig(t)
	if cfg.Cursor != "cursor-1" || !cfg.ResyncPending {
		t.Fatalf("expected fresh listing cursor and a pending resync, got %+v", cfg)
	}
}

func TestFilesAddedWhileCursorWasLostAreIngested(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/gap.pdf"] = []byte("gap")
	h.drive.resets["stale"] = true
	if err := h.store.UpdateDriveConfig(context.Background(), "tenant-1", h.cfg.ID, ledger.DriveConfigUpdate{Cursor: ledger.StringPtr("stale")}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	var kinds []string
	for i := 0; i < 3; i++ {
		result, err := h.orch.SyncConfig(context.Background(), h.reloadConfig(t))
		if err != nil {
			t.Fatalf("pass %d failed: %v", i+1, err)
		}
		kinds = append(kinds, result.Kind)
	}
	want := []string{PassRebaseline, PassResync, PassDelta}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected pass kinds %v, got %v", want, kinds)
		}
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].OriginalFilename != "gap.pdf" || docs[0].Status != ledger.StatusCompleted {
		t.Fatalf("expected the file from the gap to be ingested, got %+v", docs)
	}
	if h.drive.downloadCount() != 1 {
		t.Fatalf("expected a single download, got %d", h.drive.downloadCount())
	}
}

func TestOwnCompanyInvoiceIsTaggedForEitherBackend(t *testing.T) {
	own := invoiceResult(75, 0.9)
	own.Fields["nif"] = "509999999"

	for _, tc := range []struct {
		name     string
		primary  *stubBackend
		fallback *stubBackend
	}{
		{name: "primary", primary: &stubBackend{name: "gemini", result: own}},
		{name: "fallback", primary: &stubBackend{name: "gemini", err: errors.New("down")}, fallback: &stubBackend{name: "openai", result: own}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var fallback extraction.Backend
			if tc.fallback != nil {
				fallback = tc.fallback
			}
			h := newHarness(t, tc.primary, fallback)
			h.drive.files["/Faturas/venda.pdf"] = []byte("own")
			if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
				t.Fatalf("sync failed: %v", err)
			}
			docs := h.store.Documents("tenant-1")
			if len(docs) != 1 || !strings.Contains(string(docs[0].ExtractedData), `"ownCompany":true`) {
				t.Fatalf("expected own company tag, got %+v", docs)
			}
			expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1")
			if len(expenses) != 1 || expenses[0].Deductible {
				t.Fatalf("expected non-deductible expense, got %+v", expenses)
			}
		})
	}
}

func TestMissingAmountCompletesWithoutExpense(t *testing.T) {
	result := invoiceResult(0, 0.6)
	delete(result.Fields, "total_amount")
	h := newHarness(t, &stubBackend{name: "gemini", result: result}, nil)
	h.drive.files["/Faturas/nota.pdf"] = []byte("n")

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].Status != ledger.StatusCompleted {
		t.Fatalf("expected completed document, got %+v", docs)
	}
	if expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1"); len(expenses) != 0 {
		t.Fatalf("expected no expense, got %+v", expenses)
	}
}

func TestUnsupportedAndFolderEntriesAreFiltered(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/notas.txt"] = []byte("t")
	h.drive.files["/Faturas/scan.PNG"] = []byte("p")

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Candidates != 1 || h.drive.downloadCount() != 1 {
		t.Fatalf("expected only the png to be processed, got %+v", result)
	}
}

func TestDownloadFailureDoesNotAbortPass(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	h.drive.files["/Faturas/b.pdf"] = []byte("b")
	h.drive.downloadErrs["/Faturas/a.pdf"] = errors.New("connection reset")

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Completed != 1 || result.Failed != 1 {
		t.Fatalf("expected one completed and one failed file, got %+v", result)
	}
	if h.orch.isInFlight("tenant-1", "/Faturas/a.pdf") {
		t.Fatalf("in-flight marker must be released after failure")
	}
	if !h.orch.detector.IsNew(context.Background(), "tenant-1", "/Faturas/a.pdf", "a.pdf") {
		t.Fatalf("file with failed download must stay eligible")
	}
	var failed *ledger.Document
	docs := h.store.Documents("tenant-1")
	for i := range docs {
		if docs[i].OriginalFilename == "a.pdf" {
			failed = &docs[i]
		}
	}
	if failed == nil || failed.Status != ledger.StatusFailed || failed.SourcePath != "/Faturas/a.pdf" {
		t.Fatalf("expected a failed row for the download error, got %+v", failed)
	}
	if !strings.Contains(failed.ErrorMessage, "connection reset") {
		t.Fatalf("expected download error in message, got %q", failed.ErrorMessage)
	}
}

func TestDownloadFailureIsRetriedOnNextPass(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	h.drive.downloadErrs["/Faturas/a.pdf"] = errors.New("connection reset")
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	first := h.store.Documents("tenant-1")
	if len(first) != 1 || first[0].Status != ledger.StatusFailed {
		t.Fatalf("expected a failed document, got %+v", first)
	}

	h.drive.mu.Lock()
	delete(h.drive.downloadErrs, "/Faturas/a.pdf")
	h.drive.mu.Unlock()
	result, err := h.orch.SyncConfig(context.Background(), h.reloadConfig(t))
	if err != nil {
		t.Fatalf("retry sync failed: %v", err)
	}
	if result.Kind != PassResync || result.Completed != 1 {
		t.Fatalf("expected the file to be retried, got %+v", result)
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].ID != first[0].ID || docs[0].Status != ledger.StatusCompleted {
		t.Fatalf("expected the failed row to be completed in place, got %+v", docs)
	}
	if h.drive.downloadCount() != 2 {
		t.Fatalf("expected two download attempts, got %d", h.drive.downloadCount())
	}
}

func TestInterruptedPassLeavesResyncPending(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.orch.SyncConfig(ctx, h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Candidates != 1 || result.Completed != 0 || !result.ResyncPending {
		t.Fatalf("expected unprocessed candidate to leave a resync pending, got %+v", result)
	}
}

func TestOversizedFileIsSkipped(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.orch.maxFileBytes = 4
	h.drive.files["/Faturas/big.pdf"] = []byte("too large")

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Skipped != 1 || h.drive.downloadCount() != 0 {
		t.Fatalf("expected oversized file to be skipped before download, got %+v", result)
	}
}

func TestDuplicateContentIsSkipped(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("same")
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	cfg := h.reloadConfig(t)
	h.drive.files["/Faturas/copia.pdf"] = []byte("same")
	h.drive.changes[cfg.Cursor] = clouddrive.ListResult{Entries: []clouddrive.Entry{fileEntry("/Faturas/copia.pdf", 4)}, Cursor: "cursor-2"}

	result, err := h.orch.SyncConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if result.Skipped != 1 || len(h.store.Documents("tenant-1")) != 1 {
		t.Fatalf("expected identical content to be skipped, got %+v", result)
	}
	if cfg := h.reloadConfig(t); cfg.Cursor != "cursor-2" {
		t.Fatalf("expected cursor to advance, got %q", cfg.Cursor)
	}
}

func TestRefreshedTokenIsPersisted(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	expiry := time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC)
	h.drive.refreshed = &clouddrive.Token{AccessToken: "access-new", RefreshToken: "refresh", Expiry: expiry}

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	cfg := h.reloadConfig(t)
	if cfg.AccessToken != "access-new" || cfg.TokenExpiry == nil || !cfg.TokenExpiry.Equal(expiry) {
		t.Fatalf("expected refreshed token to be stored, got %+v", cfg)
	}
}

func TestTokenRefreshedDuringDownloadIsPersistedBeforeExtraction(t *testing.T) {
	h := newHarness(t, nil, nil)
	var storedDuringExtraction string
	backend := &stubBackend{name: "gemini", result: invoiceResult(10, 0.9), onExtract: func() {
		cfg, err := h.store.GetDriveConfig(context.Background(), h.cfg.TenantID, h.cfg.ID)
		if err == nil {
			storedDuringExtraction = cfg.AccessToken
		}
	}}
	h.orch.extractor = extraction.NewExtractor(backend, nil, extraction.ExtractorOptions{})
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	h.drive.midDownload = &clouddrive.Token{AccessToken: "access-mid-pass", RefreshToken: "refresh"}

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if storedDuringExtraction != "access-mid-pass" {
		t.Fatalf("expected refreshed token stored before extraction, got %q", storedDuringExtraction)
	}
	if cfg := h.reloadConfig(t); cfg.AccessToken != "access-mid-pass" {
		t.Fatalf("expected refreshed token after pass, got %q", cfg.AccessToken)
	}
}

func TestTokenIsCheckedBeforeEachDownload(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	h.drive.files["/Faturas/b.pdf"] = []byte("b")
	wrapped := &countingDrive{fakeDrive: h.drive}
	h.orch.open = func(context.Context, clouddrive.Connection, clouddrive.Credentials) (clouddrive.Client, error) {
		return wrapped, nil
	}

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if wrapped.ensureCalls != 3 {
		t.Fatalf("expected one token check for the pass and one per download, got %d", wrapped.ensureCalls)
	}
}

type countingDrive struct {
	*fakeDrive
	ensureCalls int
}

func (d *countingDrive) EnsureValidToken(ctx context.Context) error {
	d.ensureCalls++
	return d.fakeDrive.EnsureValidToken(ctx)
}

type expenseRejectingStore struct {
	*ledger.MemoryStore
	mu     sync.Mutex
	reject bool
}

func (s *expenseRejectingStore) CreateExpense(ctx context.Context, expense ledger.Expense) (ledger.Expense, error) {
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	if reject {
		return ledger.Expense{}, errors.New("expenses table locked")
	}
	return s.MemoryStore.CreateExpense(ctx, expense)
}

func TestExpenseFailureKeepsDocumentRetryable(t *testing.T) {
	h := newHarness(t, nil, nil)
	store := &expenseRejectingStore{MemoryStore: h.store, reject: true}
	orch, err := NewOrchestrator(Options{
		Store:     store,
		Extractor: extraction.NewExtractor(&stubBackend{name: "gemini", result: invoiceResult(80, 0.9)}, nil, extraction.ExtractorOptions{}),
		OpenClient: func(context.Context, clouddrive.Connection, clouddrive.Credentials) (clouddrive.Client, error) {
			return h.drive, nil
		},
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.drive.files["/Faturas/a.pdf"] = []byte("a")

	result, err := orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Failed != 1 || result.ExpensesCreated != 0 || !result.ResyncPending {
		t.Fatalf("expected the file to fail on its expense, got %+v", result)
	}
	docs := h.store.Documents("tenant-1")
	if len(docs) != 1 || docs[0].Status != ledger.StatusFailed || !strings.Contains(docs[0].ErrorMessage, "expenses table locked") {
		t.Fatalf("expected failed document, got %+v", docs)
	}
	if !orch.detector.IsNew(context.Background(), "tenant-1", "/Faturas/a.pdf", "a.pdf") {
		t.Fatalf("document without its expense must stay eligible")
	}

	store.mu.Lock()
	store.reject = false
	store.mu.Unlock()
	if _, err := orch.SyncConfig(context.Background(), h.reloadConfig(t)); err != nil {
		t.Fatalf("retry sync failed: %v", err)
	}
	docs = h.store.Documents("tenant-1")
	expenses, _ := h.store.ListExpenses(context.Background(), "tenant-1")
	if len(docs) != 1 || docs[0].Status != ledger.StatusCompleted || len(expenses) != 1 {
		t.Fatalf("expected completed document with one expense, got %+v %+v", docs, expenses)
	}
	if *expenses[0].DocumentID != docs[0].ID {
		t.Fatalf("expected expense linked to the retried document")
	}
}

func TestTerminalAuthDeactivatesConfiguration(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.ensureErr = &clouddrive.AuthError{Provider: "dropbox", Terminal: true, Err: errors.New("invalid_grant")}

	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if !clouddrive.IsTerminalAuth(err) {
		t.Fatalf("expected terminal auth error, got %v", err)
	}
	if !result.Deactivated {
		t.Fatalf("expected result to report deactivation")
	}
	cfg := h.reloadConfig(t)
	if cfg.Active || cfg.LastSyncAt == nil {
		t.Fatalf("expected inactive config with last sync stamped, got %+v", cfg)
	}
	if !contains(h.eventTypes(), notify.EventError) {
		t.Fatalf("expected an error event")
	}
}

func TestListingFailureAbortsPassOnly(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	h.drive.listErr = errors.New("service unavailable")

	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); err == nil {
		t.Fatalf("expected listing error")
	}
	cfg := h.reloadConfig(t)
	if !cfg.Active || cfg.Cursor != "" {
		t.Fatalf("expected config untouched, got %+v", cfg)
	}
	statuses := h.orch.Statuses("tenant-1")
	if len(statuses) != 1 || statuses[0].State != StateFailed || statuses[0].LastError == nil {
		t.Fatalf("expected failed status, got %+v", statuses)
	}
}

func TestConcurrentPassForSameConfigIsRejected(t *testing.T) {
	h := newHarness(t, &stubBackend{name: "gemini", result: invoiceResult(10, 0.9)}, nil)
	if !h.orch.beginPass(h.cfg.ID) {
		t.Fatalf("expected to acquire pass guard")
	}
	defer h.orch.endPass(h.cfg.ID)
	if _, err := h.orch.SyncConfig(context.Background(), h.cfg); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
	if !h.orch.Busy() {
		t.Fatalf("expected orchestrator to report busy")
	}
}

func TestNoBackendConfiguredFailsDocument(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.drive.files["/Faturas/a.pdf"] = []byte("a")
	result, err := h.orch.SyncConfig(context.Background(), h.cfg)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	docs := h.store.Documents("tenant-1")
	if result.Failed != 1 || len(docs) != 1 || docs[0].Status != ledger.StatusFailed {
		t.Fatalf("expected failed document, got %+v %+v", result, docs)
	}
	if !strings.Contains(docs[0].ErrorMessage, extraction.ErrNotConfigured.Error()) {
		t.Fatalf("expected configuration error, got %q", docs[0].ErrorMessage)
	}
}
