package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tsLayout is used for every stored timestamp. Nanosecond precision keeps
// created_at ordering stable for rows written within the same second.
const tsLayout = time.RFC3339Nano

// Store wraps a SQLite database holding cases, stage outputs, the cost
// ledger and the audit chain.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "appraise.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(tsLayout)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func marshalMap[M ~map[K]V, K comparable, V any](m M) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalObject(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(tsLayout, raw)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tenants ---

// SaveTenant inserts or replaces a tenant.
func (s *Store) SaveTenant(ctx context.Context, t Tenant) error {
	settings, err := marshalMap(t.Settings)
	if err != nil {
		return fmt.Errorf("marshaling tenant settings: %w", err)
	}
	plan := t.Plan
	if plan == "" {
		plan = "standard"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, settings_json, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, plan = excluded.plan, settings_json = excluded.settings_json`,
		t.ID, t.Name, plan, settings, s.timestamp(),
	)
	return err
}

func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var t Tenant
	var settings, createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, plan, settings_json, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Plan, &settings, &createdAt)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	if t.Settings, err = unmarshalObject(settings); err != nil {
		return Tenant{}, fmt.Errorf("parsing tenant settings: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

// --- Cases ---

const caseColumns = `id, tenant_id, status, property_data, ai_cost_usd, ai_confidence, last_run_cost_usd, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(r rowScanner) (Case, error) {
	var c Case
	var propertyData, createdAt, updatedAt string
	var confidence, lastRun sql.NullFloat64
	if err := r.Scan(&c.ID, &c.TenantID, &c.Status, &propertyData, &c.AICostUSD, &confidence, &lastRun, &createdAt, &updatedAt); err != nil {
		return Case{}, err
	}
	var err error
	if c.PropertyData, err = unmarshalObject(propertyData); err != nil {
		return Case{}, fmt.Errorf("parsing property_data for case %s: %w", c.ID, err)
	}
	c.AIConfidence = floatPtr(confidence)
	c.LastRunCostUSD = floatPtr(lastRun)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Case{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Case{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// CreateCase inserts a new case. An empty status defaults to pending_intake.
func (s *Store) CreateCase(ctx context.Context, c Case) error {
	status := c.Status
	if status == "" {
		status = StatusPendingIntake
	}
	data, err := marshalMap(c.PropertyData)
	if err != nil {
		return fmt.Errorf("marshaling property_data: %w", err)
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (id, tenant_id, status, property_data, ai_cost_usd, ai_confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, status, data, c.AICostUSD, nullableFloat(c.AIConfidence), now, now,
	)
	return err
}

// GetCase returns the case only if it belongs to tenantID.
func (s *Store) GetCase(ctx context.Context, id, tenantID string) (Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ? AND tenant_id = ?`, id, tenantID)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	return c, err
}

// ListCases returns the most recently updated cases of a tenant.
func (s *Store) ListCases(ctx context.Context, tenantID string, limit int) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE tenant_id = ? ORDER BY updated_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCaseData replaces property_data and status. A nil confidence leaves
// ai_confidence untouched.
func (s *Store) UpdateCaseData(ctx context.Context, id, tenantID string, propertyData map[string]any, status string, confidence *float64) error {
	data, err := marshalMap(propertyData)
	if err != nil {
		return fmt.Errorf("marshaling property_data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET property_data = ?, status = ?, ai_confidence = COALESCE(?, ai_confidence), updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		data, status, nullableFloat(confidence), s.timestamp(), id, tenantID,
	)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *Store) UpdateCaseStatus(ctx context.Context, id, tenantID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		status, s.timestamp(), id, tenantID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// AddCaseCost atomically increments the cumulative AI cost of a case.
func (s *Store) AddCaseCost(ctx context.Context, id, tenantID string, amount float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET ai_cost_usd = ai_cost_usd + ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		amount, s.timestamp(), id, tenantID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// --- Evidence files ---

func (s *Store) SaveEvidenceFile(ctx context.Context, f EvidenceFile) error {
	uploaded := f.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_files (id, tenant_id, case_id, name, content_type, size_bytes, storage_path, text_excerpt, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TenantID, f.CaseID, f.Name, f.ContentType, f.SizeBytes, f.StoragePath, f.TextExcerpt,
		uploaded.UTC().Format(tsLayout),
	)
	return err
}

func (s *Store) ListEvidenceFiles(ctx context.Context, tenantID, caseID string) ([]EvidenceFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, case_id, name, content_type, size_bytes, storage_path, text_excerpt, uploaded_at
		FROM evidence_files WHERE tenant_id = ? AND case_id = ? ORDER BY uploaded_at ASC`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EvidenceFile
	for rows.Next() {
		var f EvidenceFile
		var uploaded string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.CaseID, &f.Name, &f.ContentType, &f.SizeBytes, &f.StoragePath, &f.TextExcerpt, &uploaded); err != nil {
			return nil, err
		}
		t, err := parseTime(uploaded)
		if err != nil {
			return nil, fmt.Errorf("parsing uploaded_at: %w", err)
		}
		f.UploadedAt = t
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Knowledge snippets ---

func (s *Store) SaveKnowledgeSnippet(ctx context.Context, k KnowledgeSnippet) error {
	var tenant any
	if k.TenantID != "" {
		tenant = k.TenantID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_snippets (id, tenant_id, topic, content, source, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, tenant, k.Topic, k.Content, k.Source, s.timestamp(),
	)
	return err
}

// ListKnowledgeSnippets returns at most limit snippets visible to tenantID,
// newest first. Shared snippets (no tenant) are included.
func (s *Store) ListKnowledgeSnippets(ctx context.Context, tenantID string, limit int) ([]KnowledgeSnippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), topic, content, source, created_at
		FROM knowledge_snippets WHERE tenant_id = ? OR tenant_id IS NULL
		ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeSnippet
	for rows.Next() {
		var k KnowledgeSnippet
		var createdAt string
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Topic, &k.Content, &k.Source, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		k.CreatedAt = t
		out = append(out, k)
	}
	return out, rows.Err()
}

// --- Stage instructions ---

func (s *Store) GetInstruction(ctx context.Context, name string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM stage_instructions WHERE name = ?`, name).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return content, err
}

func (s *Store) SetInstruction(ctx context.Context, name, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_instructions (name, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		name, content, s.timestamp(),
	)
	return err
}
