package ledger

import (
	"encoding/json"
	"time"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

const (
	ProviderDropbox     = "dropbox"
	ProviderGoogleDrive = "google_drive"
	ProviderLocal       = "local"
)

type Tenant struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	TaxID string `json:"taxId,omitempty" db:"tax_id"`
}

// CloudDriveConfig binds one monitored folder to a tenant. Cursor and token
// fields are rewritten by the orchestrator after every pass. ResyncPending
// makes the next pass list the whole folder instead of reading changes.
type CloudDriveConfig struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenantId" db:"tenant_id"`
	Provider      string     `json:"provider" db:"provider"`
	AccountID     string     `json:"accountId,omitempty" db:"account_id"`
	FolderPath    string     `json:"folderPath" db:"folder_path"`
	Recursive     bool       `json:"recursive" db:"recursive"`
	AccessToken   string     `json:"-" db:"access_token"`
	RefreshToken  string     `json:"-" db:"refresh_token"`
	TokenExpiry   *time.Time `json:"tokenExpiry,omitempty" db:"token_expiry"`
	Active        bool       `json:"active" db:"active"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty" db:"last_sync_at"`
	Cursor        string     `json:"cursor,omitempty" db:"sync_cursor"`
	ResyncPending bool       `json:"resyncPending,omitempty" db:"resync_pending"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

type DriveConfigUpdate struct {
	AccessToken   *string
	RefreshToken  *string
	TokenExpiry   *time.Time
	Active        *bool
	LastSyncAt    *time.Time
	Cursor        *string
	ResyncPending *bool
}

func (u DriveConfigUpdate) IsZero() bool {
	return u.AccessToken == nil && u.RefreshToken == nil && u.TokenExpiry == nil &&
		u.Active == nil && u.LastSyncAt == nil && u.Cursor == nil && u.ResyncPending == nil
}

func (u DriveConfigUpdate) apply(cfg *CloudDriveConfig) {
	if u.AccessToken != nil {
		cfg.AccessToken = *u.AccessToken
	}
	if u.RefreshToken != nil {
		cfg.RefreshToken = *u.RefreshToken
	}
	if u.TokenExpiry != nil {
		expiry := *u.TokenExpiry
		cfg.TokenExpiry = &expiry
	}
	if u.Active != nil {
		cfg.Active = *u.Active
	}
	if u.LastSyncAt != nil {
		at := *u.LastSyncAt
		cfg.LastSyncAt = &at
	}
	if u.Cursor != nil {
		cfg.Cursor = *u.Cursor
	}
	if u.ResyncPending != nil {
		cfg.ResyncPending = *u.ResyncPending
	}
}

type Document struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenantId" db:"tenant_id"`
	StoredFilename   string          `json:"storedFilename" db:"stored_filename"`
	OriginalFilename string          `json:"originalFilename" db:"original_filename"`
	SourcePath       string          `json:"sourcePath,omitempty" db:"source_path"`
	Size             int64           `json:"size" db:"size"`
	MIMEType         string          `json:"mimeType" db:"mime_type"`
	Status           DocumentStatus  `json:"status" db:"status"`
	ExtractedData    json.RawMessage `json:"extractedData,omitempty" db:"-"`
	Confidence       float64         `json:"confidence" db:"confidence"`
	ProcessingMethod string          `json:"processingMethod,omitempty" db:"processing_method"`
	ErrorMessage     string          `json:"errorMessage,omitempty" db:"error_message"`
	UploadedBy       string          `json:"uploadedBy,omitempty" db:"uploaded_by"`
	ContentHash      string          `json:"contentHash,omitempty" db:"content_hash"`
	PageCount        int             `json:"pageCount,omitempty" db:"page_count"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

type DocumentUpdate struct {
	Status           *DocumentStatus
	StoredFilename   *string
	Size             *int64
	MIMEType         *string
	ExtractedData    json.RawMessage
	Confidence       *float64
	ProcessingMethod *string
	ErrorMessage     *string
	ContentHash      *string
	PageCount        *int
}

func (u DocumentUpdate) apply(doc *Document) {
	if u.Status != nil {
		doc.Status = *u.Status
	}
	if u.StoredFilename != nil {
		doc.StoredFilename = *u.StoredFilename
	}
	if u.Size != nil {
		doc.Size = *u.Size
	}
	if u.MIMEType != nil {
		doc.MIMEType = *u.MIMEType
	}
	if u.ExtractedData != nil {
		doc.ExtractedData = append(json.RawMessage(nil), u.ExtractedData...)
	}
	if u.Confidence != nil {
		doc.Confidence = *u.Confidence
	}
	if u.ProcessingMethod != nil {
		doc.ProcessingMethod = *u.ProcessingMethod
	}
	if u.ErrorMessage != nil {
		doc.ErrorMessage = *u.ErrorMessage
	}
	if u.ContentHash != nil {
		doc.ContentHash = *u.ContentHash
	}
	if u.PageCount != nil {
		doc.PageCount = *u.PageCount
	}
}

// Expense is the canonical record derived from a completed Document. The
// source document is referenced explicitly through DocumentID.
type Expense struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenantId" db:"tenant_id"`
	Vendor        string    `json:"vendor" db:"vendor"`
	Amount        float64   `json:"amount" db:"amount"`
	VATAmount     float64   `json:"vatAmount" db:"vat_amount"`
	VATRate       float64   `json:"vatRate" db:"vat_rate"`
	Category      string    `json:"category" db:"category"`
	Description   string    `json:"description" db:"description"`
	ExpenseDate   string    `json:"expenseDate" db:"expense_date"`
	ReceiptNumber string    `json:"receiptNumber,omitempty" db:"receipt_number"`
	Deductible    bool      `json:"deductible" db:"deductible"`
	DocumentID    *string   `json:"documentId,omitempty" db:"document_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

func StringPtr(v string) *string { return &v }

func BoolPtr(v bool) *bool { return &v }

func TimePtr(v time.Time) *time.Time { return &v }

func StatusPtr(v DocumentStatus) *DocumentStatus { return &v }

func FloatPtr(v float64) *float64 { return &v }

func IntPtr(v int) *int { return &v }

func Int64Ptr(v int64) *int64 { return &v }
