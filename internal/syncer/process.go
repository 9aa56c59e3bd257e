package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/dedup"
	"github.com/agentworkforce/drivesync/internal/extraction"
	"github.com/agentworkforce/drivesync/internal/ledger"
	"github.com/agentworkforce/drivesync/internal/normalize"
	"github.com/agentworkforce/drivesync/internal/notify"
)

type fileOutcome int

const (
	outcomeSkipped fileOutcome = iota
	outcomeCompleted
	outcomeFailed
)

// processFile runs the full pipeline for one remote file. Failures are
// contained here; the returned error is only inspected for terminal auth.
func (o *Orchestrator) processFile(ctx context.Context, pass *passState, entry clouddrive.Entry) (fileOutcome, error) {
	tenantID := pass.cfg.TenantID
	if !o.markInFlight(tenantID, entry.Path) {
		return outcomeSkipped, nil
	}
	defer o.unmarkInFlight(tenantID, entry.Path)

	// A file runs to completion or fails as a unit once started.
	ctx = context.WithoutCancel(ctx)
	logger := pass.logger.With("path", entry.Path, "filename", entry.Name)

	if entry.Size > o.maxFileBytes {
		logger.Warn("skipping file over size limit", "size", entry.Size, "limit", o.maxFileBytes)
		o.detector.Remember(tenantID, entry.Path)
		return outcomeSkipped, nil
	}

	data, err := o.download(ctx, pass, entry)
	if err != nil {
		logger.Warn("download failed", "error", err)
		o.recordDownloadFailure(ctx, pass, entry, err)
		o.broadcast(tenantID, notify.EventError, map[string]any{
			"configId": pass.cfg.ID,
			"filename": entry.Name,
			"stage":    "download",
			"error":    err.Error(),
		})
		return outcomeFailed, err
	}
	if int64(len(data)) > o.maxFileBytes {
		logger.Warn("skipping downloaded file over size limit", "size", len(data), "limit", o.maxFileBytes)
		o.detector.Remember(tenantID, entry.Path)
		return outcomeSkipped, nil
	}

	hash := dedup.HashContent(data)
	if existing, ok := o.detector.IsDuplicateContent(ctx, tenantID, hash); ok {
		logger.Info("identical content already processed", "document", existing.ID)
		o.detector.Remember(tenantID, entry.Path)
		return outcomeSkipped, nil
	}

	mimeType := clouddrive.MIMETypeForName(entry.Name)
	storedName := entry.Name
	if o.archive != nil {
		key, err := o.archive.Put(ctx, tenantID, entry.Name, mimeType, data)
		if err != nil {
			logger.Warn("archiving original failed", "error", err)
		} else {
			storedName = key
		}
	}

	doc, err := o.openDocument(ctx, pass, entry, storedName, mimeType, int64(len(data)), hash)
	if err != nil {
		logger.Error("create document failed", "error", err)
		return outcomeFailed, err
	}
	logger = logger.With("document", doc.ID)
	o.broadcast(tenantID, notify.EventDocumentProcessing, map[string]any{
		"documentId": doc.ID,
		"filename":   entry.Name,
		"status":     string(ledger.StatusProcessing),
	})

	result, err := o.extractor.Extract(ctx, data, mimeType, entry.Name)
	if err != nil {
		o.failDocument(ctx, pass, doc, entry, stageExtraction, err)
		return outcomeFailed, err
	}
	result.OwnCompany = extraction.ClassifyOwnCompany(result.Fields, pass.ownTaxID)
	canonical := o.normalizer.Normalize(result.Fields)

	blob, err := result.Marshal()
	if err != nil {
		o.failDocument(ctx, pass, doc, entry, stageExtraction, fmt.Errorf("encode extraction result: %w", err))
		return outcomeFailed, err
	}
	err = o.store.UpdateDocument(ctx, tenantID, doc.ID, ledger.DocumentUpdate{
		Status:           ledger.StatusPtr(ledger.StatusCompleted),
		ExtractedData:    blob,
		Confidence:       ledger.FloatPtr(result.Confidence),
		ProcessingMethod: ledger.StringPtr(result.UsedModel),
		ErrorMessage:     ledger.StringPtr(""),
		PageCount:        ledger.IntPtr(result.PageCount),
	})
	if err != nil {
		logger.Error("mark document completed failed", "error", err)
		return outcomeFailed, err
	}
	o.broadcast(tenantID, notify.EventDocumentProcessing, map[string]any{
		"documentId":   doc.ID,
		"filename":     entry.Name,
		"status":       string(ledger.StatusCompleted),
		"confidence":   result.Confidence,
		"usedModel":    result.UsedModel,
		"fallbackUsed": result.FallbackUsed,
		"ownCompany":   result.OwnCompany,
	})

	if !canonical.ExpenseWorthy() {
		logger.Info("extraction produced no positive amount, no expense created")
		o.detector.Remember(tenantID, entry.Path)
		return outcomeCompleted, nil
	}
	// The document stays retryable until its expense exists.
	if err := o.createExpense(ctx, pass, doc, canonical, result.OwnCompany); err != nil {
		o.failDocument(ctx, pass, doc, entry, stageExpense, fmt.Errorf("create expense: %w", err))
		return outcomeFailed, err
	}
	o.detector.Remember(tenantID, entry.Path)
	return outcomeCompleted, nil
}

// download makes sure the access token is valid before fetching the file.
// A token refreshed before or during the download is persisted right away.
func (o *Orchestrator) download(ctx context.Context, pass *passState, entry clouddrive.Entry) ([]byte, error) {
	if err := pass.client.EnsureValidToken(ctx); err != nil {
		return nil, fmt.Errorf("ensure access token: %w", err)
	}
	o.persistRefreshedToken(ctx, pass)
	data, err := pass.client.DownloadFile(ctx, entry.Path)
	o.persistRefreshedToken(ctx, pass)
	return data, err
}

// recordDownloadFailure leaves a failed row for a file that could not be
// fetched. A later attempt reuses the row.
func (o *Orchestrator) recordDownloadFailure(ctx context.Context, pass *passState, entry clouddrive.Entry, cause error) {
	tenantID := pass.cfg.TenantID
	message := "download: " + cause.Error()
	if doc, ok := o.detector.FindReusable(ctx, tenantID, entry.Name); ok {
		err := o.store.UpdateDocument(ctx, tenantID, doc.ID, ledger.DocumentUpdate{
			Status:       ledger.StatusPtr(ledger.StatusFailed),
			ErrorMessage: ledger.StringPtr(message),
		})
		if err != nil {
			pass.logger.Error("record download failure failed", "document", doc.ID, "error", err)
		}
		return
	}
	_, err := o.store.CreateDocument(ctx, ledger.Document{
		TenantID:         tenantID,
		StoredFilename:   entry.Name,
		OriginalFilename: entry.Name,
		SourcePath:       entry.Path,
		Size:             entry.Size,
		MIMEType:         clouddrive.MIMETypeForName(entry.Name),
		Status:           ledger.StatusFailed,
		ErrorMessage:     message,
		UploadedBy:       uploadedBy(pass),
	})
	if err != nil {
		pass.logger.Error("record download failure failed", "path", entry.Path, "error", err)
	}
}

// openDocument reuses a failed or abandoned row for the same file when there
// is one, otherwise creates a new document in processing state.
func (o *Orchestrator) openDocument(ctx context.Context, pass *passState, entry clouddrive.Entry, storedName, mimeType string, size int64, hash string) (ledger.Document, error) {
	tenantID := pass.cfg.TenantID
	if doc, ok := o.detector.FindReusable(ctx, tenantID, entry.Name); ok {
		err := o.store.UpdateDocument(ctx, tenantID, doc.ID, ledger.DocumentUpdate{
			Status:         ledger.StatusPtr(ledger.StatusProcessing),
			StoredFilename: ledger.StringPtr(storedName),
			Size:           ledger.Int64Ptr(size),
			MIMEType:       ledger.StringPtr(mimeType),
			ContentHash:    ledger.StringPtr(hash),
			ErrorMessage:   ledger.StringPtr(""),
		})
		if err != nil {
			return ledger.Document{}, err
		}
		pass.logger.Info("retrying previously failed document", "document", doc.ID, "filename", entry.Name)
		return doc, nil
	}
	return o.store.CreateDocument(ctx, ledger.Document{
		TenantID:         tenantID,
		StoredFilename:   storedName,
		OriginalFilename: entry.Name,
		SourcePath:       entry.Path,
		Size:             size,
		MIMEType:         mimeType,
		Status:           ledger.StatusProcessing,
		UploadedBy:       uploadedBy(pass),
		ContentHash:      hash,
	})
}

func uploadedBy(pass *passState) string {
	return "cloud-sync:" + pass.cfg.Provider
}

const (
	stageExtraction = "extraction"
	stageExpense    = "expense"
)

func (o *Orchestrator) failDocument(ctx context.Context, pass *passState, doc ledger.Document, entry clouddrive.Entry, stage string, cause error) {
	tenantID := pass.cfg.TenantID
	pass.logger.Warn("document processing failed", "document", doc.ID, "filename", entry.Name, "stage", stage, "error", cause)
	update := ledger.DocumentUpdate{
		Status:       ledger.StatusPtr(ledger.StatusFailed),
		ErrorMessage: ledger.StringPtr(cause.Error()),
	}
	if stage == stageExtraction {
		update.Confidence = ledger.FloatPtr(extraction.FailureConfidence)
	}
	if errors.Is(cause, extraction.ErrNotConfigured) {
		update.ProcessingMethod = ledger.StringPtr("none")
	}
	if err := o.store.UpdateDocument(ctx, tenantID, doc.ID, update); err != nil {
		pass.logger.Error("mark document failed failed", "document", doc.ID, "error", err)
	}
	o.broadcast(tenantID, notify.EventDocumentProcessing, map[string]any{
		"documentId": doc.ID,
		"filename":   entry.Name,
		"status":     string(ledger.StatusFailed),
		"stage":      stage,
		"error":      cause.Error(),
	})
}

func (o *Orchestrator) createExpense(ctx context.Context, pass *passState, doc ledger.Document, canonical normalize.Canonical, ownCompany bool) error {
	tenantID := pass.cfg.TenantID
	if _, err := o.store.FindExpenseByDocument(ctx, tenantID, doc.ID); err == nil {
		pass.logger.Info("expense already exists for document", "document", doc.ID)
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	documentID := doc.ID
	expense, err := o.store.CreateExpense(ctx, ledger.Expense{
		TenantID:      tenantID,
		Vendor:        canonical.Vendor,
		Amount:        canonical.Amount,
		VATAmount:     canonical.VATAmount,
		VATRate:       canonical.VATRate,
		Category:      canonical.Category,
		Description:   canonical.Description,
		ExpenseDate:   canonical.ExpenseDate,
		ReceiptNumber: canonical.ReceiptNumber,
		Deductible:    !ownCompany,
		DocumentID:    &documentID,
	})
	if err != nil {
		return err
	}
	pass.result.ExpensesCreated++
	o.broadcast(tenantID, notify.EventExpenseCreated, map[string]any{
		"expenseId":  expense.ID,
		"documentId": doc.ID,
		"vendor":     expense.Vendor,
		"amount":     expense.Amount,
		"category":   expense.Category,
		"deductible": expense.Deductible,
	})
	return nil
}
