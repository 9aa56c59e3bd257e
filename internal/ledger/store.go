package ledger

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the persistence service the sync pipeline depends on. Every
// operation is filtered by tenant.
type Store interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	GetTenant(ctx context.Context, tenantID string) (Tenant, error)
	CreateTenant(ctx context.Context, tenant Tenant) (Tenant, error)

	CreateDriveConfig(ctx context.Context, cfg CloudDriveConfig) (CloudDriveConfig, error)
	GetDriveConfig(ctx context.Context, tenantID, configID string) (CloudDriveConfig, error)
	ListActiveDriveConfigs(ctx context.Context) ([]CloudDriveConfig, error)
	ListDriveConfigsByTenant(ctx context.Context, tenantID string) ([]CloudDriveConfig, error)
	FindDriveConfigsByAccount(ctx context.Context, provider, accountID string) ([]CloudDriveConfig, error)
	UpdateDriveConfig(ctx context.Context, tenantID, configID string, update DriveConfigUpdate) error

	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, tenantID, documentID string) (Document, error)
	UpdateDocument(ctx context.Context, tenantID, documentID string, update DocumentUpdate) error
	FindDocumentsByFilename(ctx context.Context, tenantID, filename string) ([]Document, error)
	FindDocumentsByHash(ctx context.Context, tenantID, contentHash string) ([]Document, error)

	CreateExpense(ctx context.Context, expense Expense) (Expense, error)
	FindExpenseByDocument(ctx context.Context, tenantID, documentID string) (Expense, error)
	ListExpenses(ctx context.Context, tenantID string) ([]Expense, error)

	Close() error
}
