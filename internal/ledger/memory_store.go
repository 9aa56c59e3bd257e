package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]Tenant
	configs   map[string]CloudDriveConfig
	documents map[string]Document
	expenses  map[string]Expense
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   map[string]Tenant{},
		configs:   map[string]CloudDriveConfig{},
		documents: map[string]Document{},
		expenses:  map[string]Expense{},
		now:       time.Now,
	}
}

func (s *MemoryStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tenant, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		out = append(out, tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return tenant, nil
}

func (s *MemoryStore) CreateTenant(ctx context.Context, tenant Tenant) (Tenant, error) {
	if strings.TrimSpace(tenant.ID) == "" {
		tenant.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = tenant
	return tenant, nil
}

func (s *MemoryStore) CreateDriveConfig(ctx context.Context, cfg CloudDriveConfig) (CloudDriveConfig, error) {
	if strings.TrimSpace(cfg.TenantID) == "" || strings.TrimSpace(cfg.Provider) == "" {
		return CloudDriveConfig{}, ErrInvalidInput
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cloneConfig(cfg)
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) GetDriveConfig(ctx context.Context, tenantID, configID string) (CloudDriveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[configID]
	if !ok || cfg.TenantID != tenantID {
		return CloudDriveConfig{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

func (s *MemoryStore) ListActiveDriveConfigs(ctx context.Context) ([]CloudDriveConfig, error) {
	return s.filterConfigs(func(cfg CloudDriveConfig) bool { return cfg.Active }), nil
}

func (s *MemoryStore) ListDriveConfigsByTenant(ctx context.Context, tenantID string) ([]CloudDriveConfig, error) {
	return s.filterConfigs(func(cfg CloudDriveConfig) bool { return cfg.TenantID == tenantID }), nil
}

func (s *MemoryStore) FindDriveConfigsByAccount(ctx context.Context, provider, accountID string) ([]CloudDriveConfig, error) {
	return s.filterConfigs(func(cfg CloudDriveConfig) bool {
		return cfg.Active && cfg.Provider == provider && cfg.AccountID == accountID
	}), nil
}

func (s *MemoryStore) UpdateDriveConfig(ctx context.Context, tenantID, configID string, update DriveConfigUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[configID]
	if !ok || cfg.TenantID != tenantID {
		return ErrNotFound
	}
	update.apply(&cfg)
	s.configs[configID] = cfg
	return nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	if strings.TrimSpace(doc.TenantID) == "" {
		return Document{}, ErrInvalidInput
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = cloneDocument(doc)
	return cloneDocument(doc), nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, tenantID, documentID string, update DocumentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
	if !ok || doc.TenantID != tenantID {
		return ErrNotFound
	}
	update.apply(&doc)
	doc.UpdatedAt = s.now().UTC()
	s.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) FindDocumentsByFilename(ctx context.Context, tenantID, filename string) ([]Document, error) {
	return s.filterDocuments(func(doc Document) bool {
		return doc.TenantID == tenantID && (doc.StoredFilename == filename || doc.OriginalFilename == filename)
	}), nil
}

func (s *MemoryStore) FindDocumentsByHash(ctx context.Context, tenantID, contentHash string) ([]Document, error) {
	if contentHash == "" {
		return nil, nil
	}
	return s.filterDocuments(func(doc Document) bool {
		return doc.TenantID == tenantID && doc.ContentHash == contentHash
	}), nil
}

func (s *MemoryStore) CreateExpense(ctx context.Context, expense Expense) (Expense, error) {
	if strings.TrimSpace(expense.TenantID) == "" {
		return Expense{}, ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = uuid.NewString()
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expenses[expense.ID] = expense
	return expense, nil
}

func (s *MemoryStore) FindExpenseByDocument(ctx context.Context, tenantID, documentID string) (Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, expense := range s.expenses {
		if expense.TenantID == tenantID && expense.DocumentID != nil && *expense.DocumentID == documentID {
			return expense, nil
		}
	}
	return Expense{}, ErrNotFound
}

func (s *MemoryStore) ListExpenses(ctx context.Context, tenantID string) ([]Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Expense, 0)
	for _, expense := range s.expenses {
		if expense.TenantID == tenantID {
			out = append(out, expense)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Documents returns every document of a tenant ordered by creation time.
func (s *MemoryStore) Documents(tenantID string) []Document {
	return s.filterDocuments(func(doc Document) bool { return doc.TenantID == tenantID })
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) filterConfigs(keep func(CloudDriveConfig) bool) []CloudDriveConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CloudDriveConfig, 0)
	for _, cfg := range s.configs {
		if keep(cfg) {
			out = append(out, cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID == out[j].TenantID {
			return out[i].ID < out[j].ID
		}
		return out[i].TenantID < out[j].TenantID
	})
	return out
}

func (s *MemoryStore) filterDocuments(keep func(Document) bool) []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0)
	for _, doc := range s.documents {
		if keep(doc) {
			out = append(out, cloneDocument(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneConfig(cfg CloudDriveConfig) CloudDriveConfig {
	if cfg.TokenExpiry != nil {
		expiry := *cfg.TokenExpiry
		cfg.TokenExpiry = &expiry
	}
	if cfg.LastSyncAt != nil {
		at := *cfg.LastSyncAt
		cfg.LastSyncAt = &at
	}
	return cfg
}

func cloneDocument(doc Document) Document {
	if doc.ExtractedData != nil {
		doc.ExtractedData = append(json.RawMessage(nil), doc.ExtractedData...)
	}
	return doc
}
