package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	postgresDefaultTablePrefix = "drivesync_"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sqlx.DB, error)

type PostgresStore struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc
	now         func() time.Time

	initMu sync.Mutex
	db     *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		tablePrefix: postgresDefaultTablePrefix,
		openDB:      sqlx.Open,
		now:         time.Now,
	}, nil
}

func (s *PostgresStore) table(name string) string {
	return postgresQuoteIdentifier(s.tablePrefix + name)
}

// ensureReady opens the database and applies the schema on first use. A
// failed attempt is retried by the next operation.
func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	for _, stmt := range s.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	s.db = db
	return nil
}

func (s *PostgresStore) schema() []string {
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				tax_id TEXT NOT NULL DEFAULT ''
			)`, s.table("tenants")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				account_id TEXT NOT NULL DEFAULT '',
				folder_path TEXT NOT NULL DEFAULT '',
				recursive BOOLEAN NOT NULL DEFAULT FALSE,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expiry TIMESTAMPTZ,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				last_sync_at TIMESTAMPTZ,
				sync_cursor TEXT NOT NULL DEFAULT '',
				resync_pending BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.table("cloud_drive_configs")),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS resync_pending BOOLEAN NOT NULL DEFAULT FALSE",
			s.table("cloud_drive_configs")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				stored_filename TEXT NOT NULL DEFAULT '',
				original_filename TEXT NOT NULL DEFAULT '',
				source_path TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				mime_type TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				extracted_data JSONB,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				processing_method TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				uploaded_by TEXT NOT NULL DEFAULT '',
				content_hash TEXT NOT NULL DEFAULT '',
				page_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.table("documents")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, original_filename)",
			postgresQuoteIdentifier(s.tablePrefix+"documents_tenant_filename_idx"), s.table("documents")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, content_hash)",
			postgresQuoteIdentifier(s.tablePrefix+"documents_tenant_hash_idx"), s.table("documents")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				vendor TEXT NOT NULL DEFAULT '',
				amount DOUBLE PRECISION NOT NULL,
				vat_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
				vat_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
				category TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				expense_date TEXT NOT NULL DEFAULT '',
				receipt_number TEXT NOT NULL DEFAULT '',
				deductible BOOLEAN NOT NULL DEFAULT TRUE,
				document_id TEXT UNIQUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.table("expenses")),
	}
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var out []Tenant
	query := fmt.Sprintf("SELECT id, name, tax_id FROM %s ORDER BY id", s.table("tenants"))
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (Tenant, error) {
	if err := s.ensureReady(); err != nil {
		return Tenant{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var tenant Tenant
	query := fmt.Sprintf("SELECT id, name, tax_id FROM %s WHERE id = $1", s.table("tenants"))
	if err := s.db.GetContext(ctx, &tenant, query, tenantID); err != nil {
		return Tenant{}, mapNoRows(err)
	}
	return tenant, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant Tenant) (Tenant, error) {
	if err := s.ensureReady(); err != nil {
		return Tenant{}, err
	}
	if strings.TrimSpace(tenant.ID) == "" {
		tenant.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, tax_id) VALUES (:id, :name, :tax_id)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, tax_id = EXCLUDED.tax_id`, s.table("tenants"))
	if _, err := s.db.NamedExecContext(ctx, query, tenant); err != nil {
		return Tenant{}, err
	}
	return tenant, nil
}

const driveConfigColumns = `id, tenant_id, provider, account_id, folder_path, recursive, access_token,
	refresh_token, token_expiry, active, last_sync_at, sync_cursor, resync_pending, created_at`

func (s *PostgresStore) CreateDriveConfig(ctx context.Context, cfg CloudDriveConfig) (CloudDriveConfig, error) {
	if strings.TrimSpace(cfg.TenantID) == "" || strings.TrimSpace(cfg.Provider) == "" {
		return CloudDriveConfig{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CloudDriveConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (:id, :tenant_id, :provider, :account_id, :folder_path, :recursive, :access_token,
			:refresh_token, :token_expiry, :active, :last_sync_at, :sync_cursor, :resync_pending, :created_at)`,
		s.table("cloud_drive_configs"), driveConfigColumns)
	if _, err := s.db.NamedExecContext(ctx, query, cfg); err != nil {
		return CloudDriveConfig{}, err
	}
	return cfg, nil
}

func (s *PostgresStore) GetDriveConfig(ctx context.Context, tenantID, configID string) (CloudDriveConfig, error) {
	if err := s.ensureReady(); err != nil {
		return CloudDriveConfig{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var cfg CloudDriveConfig
	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2", driveConfigColumns, s.table("cloud_drive_configs"))
	if err := s.db.GetContext(ctx, &cfg, query, tenantID, configID); err != nil {
		return CloudDriveConfig{}, mapNoRows(err)
	}
	return cfg, nil
}

func (s *PostgresStore) ListActiveDriveConfigs(ctx context.Context) ([]CloudDriveConfig, error) {
	return s.selectDriveConfigs(ctx, "active = TRUE")
}

func (s *PostgresStore) ListDriveConfigsByTenant(ctx context.Context, tenantID string) ([]CloudDriveConfig, error) {
	return s.selectDriveConfigs(ctx, "tenant_id = $1", tenantID)
}

func (s *PostgresStore) FindDriveConfigsByAccount(ctx context.Context, provider, accountID string) ([]CloudDriveConfig, error) {
	return s.selectDriveConfigs(ctx, "active = TRUE AND provider = $1 AND account_id = $2", provider, accountID)
}

func (s *PostgresStore) selectDriveConfigs(ctx context.Context, where string, args ...any) ([]CloudDriveConfig, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var out []CloudDriveConfig
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY tenant_id, id", driveConfigColumns, s.table("cloud_drive_configs"), where)
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) UpdateDriveConfig(ctx context.Context, tenantID, configID string, update DriveConfigUpdate) error {
	if update.IsZero() {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	set := newSetClause()
	if update.AccessToken != nil {
		set.add("access_token", *update.AccessToken)
	}
	if update.RefreshToken != nil {
		set.add("refresh_token", *update.RefreshToken)
	}
	if update.TokenExpiry != nil {
		set.add("token_expiry", *update.TokenExpiry)
	}
	if update.Active != nil {
		set.add("active", *update.Active)
	}
	if update.LastSyncAt != nil {
		set.add("last_sync_at", *update.LastSyncAt)
	}
	if update.Cursor != nil {
		set.add("sync_cursor", *update.Cursor)
	}
	if update.ResyncPending != nil {
		set.add("resync_pending", *update.ResyncPending)
	}
	return s.execUpdate(ctx, s.table("cloud_drive_configs"), set, tenantID, configID)
}

const documentColumns = `id, tenant_id, stored_filename, original_filename, source_path, size, mime_type, status,
	extracted_data, confidence, processing_method, error_message, uploaded_by, content_hash, page_count,
	created_at, updated_at`

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	if strings.TrimSpace(doc.TenantID) == "" {
		return Document{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Document{}, err
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.table("documents"), documentColumns)
	_, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.TenantID, doc.StoredFilename, doc.OriginalFilename, doc.SourcePath, doc.Size, doc.MIMEType,
		string(doc.Status), nullableJSON(doc.ExtractedData), doc.Confidence, doc.ProcessingMethod, doc.ErrorMessage,
		doc.UploadedBy, doc.ContentHash, doc.PageCount, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, tenantID, documentID string) (Document, error) {
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row documentRow
	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1 AND id = $2", documentColumns, s.table("documents"))
	if err := s.db.GetContext(ctx, &row, query, tenantID, documentID); err != nil {
		return Document{}, mapNoRows(err)
	}
	return row.document(), nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, tenantID, documentID string, update DocumentUpdate) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	set := newSetClause()
	if update.Status != nil {
		set.add("status", string(*update.Status))
	}
	if update.StoredFilename != nil {
		set.add("stored_filename", *update.StoredFilename)
	}
	if update.Size != nil {
		set.add("size", *update.Size)
	}
	if update.MIMEType != nil {
		set.add("mime_type", *update.MIMEType)
	}
	if update.ExtractedData != nil {
		set.add("extracted_data", nullableJSON(update.ExtractedData))
	}
	if update.Confidence != nil {
		set.add("confidence", *update.Confidence)
	}
	if update.ProcessingMethod != nil {
		set.add("processing_method", *update.ProcessingMethod)
	}
	if update.ErrorMessage != nil {
		set.add("error_message", *update.ErrorMessage)
	}
	if update.ContentHash != nil {
		set.add("content_hash", *update.ContentHash)
	}
	if update.PageCount != nil {
		set.add("page_count", *update.PageCount)
	}
	set.add("updated_at", s.now().UTC())
	return s.execUpdate(ctx, s.table("documents"), set, tenantID, documentID)
}

func (s *PostgresStore) FindDocumentsByFilename(ctx context.Context, tenantID, filename string) ([]Document, error) {
	return s.selectDocuments(ctx, "tenant_id = $1 AND (stored_filename = $2 OR original_filename = $2)", tenantID, filename)
}

func (s *PostgresStore) FindDocumentsByHash(ctx context.Context, tenantID, contentHash string) ([]Document, error) {
	if contentHash == "" {
		return nil, nil
	}
	return s.selectDocuments(ctx, "tenant_id = $1 AND content_hash = $2", tenantID, contentHash)
}

func (s *PostgresStore) selectDocuments(ctx context.Context, where string, args ...any) ([]Document, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []documentRow
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at, id", documentColumns, s.table("documents"), where)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.document())
	}
	return out, nil
}

const expenseColumns = `id, tenant_id, vendor, amount, vat_amount, vat_rate, category, description, expense_date,
	receipt_number, deductible, document_id, created_at`

func (s *PostgresStore) CreateExpense(ctx context.Context, expense Expense) (Expense, error) {
	if strings.TrimSpace(expense.TenantID) == "" {
		return Expense{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Expense{}, err
	}
	if expense.ID == "" {
		expense.ID = uuid.NewString()
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (:id, :tenant_id, :vendor, :amount, :vat_amount, :vat_rate, :category, :description, :expense_date,
			:receipt_number, :deductible, :document_id, :created_at)`,
		s.table("expenses"), expenseColumns)
	if _, err := s.db.NamedExecContext(ctx, query, expense); err != nil {
		return Expense{}, err
	}
	return expense, nil
}

func (s *PostgresStore) FindExpenseByDocument(ctx context.Context, tenantID, documentID string) (Expense, error) {
	if err := s.ensureReady(); err != nil {
		return Expense{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var expense Expense
	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1 AND document_id = $2", expenseColumns, s.table("expenses"))
	if err := s.db.GetContext(ctx, &expense, query, tenantID, documentID); err != nil {
		return Expense{}, mapNoRows(err)
	}
	return expense, nil
}

func (s *PostgresStore) ListExpenses(ctx context.Context, tenantID string) ([]Expense, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var out []Expense
	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1 ORDER BY created_at, id", expenseColumns, s.table("expenses"))
	if err := s.db.SelectContext(ctx, &out, query, tenantID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) execUpdate(ctx context.Context, table string, set *setClause, tenantID, id string) error {
	if len(set.columns) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	args := append(set.args, tenantID, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = $%d AND id = $%d",
		table, strings.Join(set.columns, ", "), len(set.args)+1, len(set.args)+2)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// documentRow carries the nullable JSONB column that Document exposes as
// json.RawMessage.
type documentRow struct {
	Document
	ExtractedDataRaw sql.NullString `db:"extracted_data"`
}

func (r documentRow) document() Document {
	doc := r.Document
	if r.ExtractedDataRaw.Valid && r.ExtractedDataRaw.String != "" {
		doc.ExtractedData = json.RawMessage(r.ExtractedDataRaw.String)
	}
	return doc
}

type setClause struct {
	columns []string
	args    []any
}

func newSetClause() *setClause {
	return &setClause{}
}

func (c *setClause) add(column string, value any) {
	c.args = append(c.args, value)
	c.columns = append(c.columns, fmt.Sprintf("%s = $%d", postgresQuoteIdentifier(column), len(c.args)))
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
