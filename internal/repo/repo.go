package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"siteflow/internal/config"
	"siteflow/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo reads and writes tenant-scoped rows. Methods taking a Querier run
// against it when non-nil, otherwise against DB. Inside a transaction always
// pass the transaction: the pool holds a single connection.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrCrossTenantAccess = errors.New("cross-tenant access")
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(q Querier) Querier {
	if q == nil {
		return r.DB
	}
	return q
}

// owned maps a row loaded by primary key to ErrCrossTenantAccess when it
// belongs to another tenant.
func owned(rowTenant, tenantID string) error {
	if rowTenant != tenantID {
		return ErrCrossTenantAccess
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) InsertTenant(ctx context.Context, q Querier, t domain.Tenant) error {
	if t.Name == "" {
		t.Name = t.ID
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, q Querier, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.q(q).QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).Scan(&t.ID, &t.Name, &t.CreatedAt)
	return t, notFound(err)
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTenantConfig(ctx context.Context, q Querier, tenantID string, cfg *config.Config, now string) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Tenant.ID = tenantID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if now == "" {
		now = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.q(q).ExecContext(ctx, `INSERT INTO tenant_configs(tenant_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, tenantID, string(payload), now, now)
	return err
}

func (r Repo) GetTenantConfig(ctx context.Context, q Querier, tenantID string) (*config.Config, error) {
	var payload string
	err := r.q(q).QueryRowContext(ctx, `SELECT config_json FROM tenant_configs WHERE tenant_id=?`, tenantID).Scan(&payload)
	if err != nil {
		return nil, notFound(err)
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Tenant.ID == "" {
		cfg.Tenant.ID = tenantID
	}
	if cfg.Approvals.OnReject == "" {
		cfg.Approvals.OnReject = config.OnRejectBlock
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalNullable encodes v as JSON text, or NULL for nil and empty values.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return string(t), nil
	case []domain.AssignmentRule:
		if len(t) == 0 {
			return nil, nil
		}
	case *domain.Condition:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalKeys(keys []string) (string, error) {
	if len(keys) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(keys)
	return string(b), err
}

func unmarshalKeys(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

func unmarshalRules(ns sql.NullString) ([]domain.AssignmentRule, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var rules []domain.AssignmentRule
	if err := json.Unmarshal([]byte(ns.String), &rules); err != nil {
		return nil, fmt.Errorf("decode assignee_rule: %w", err)
	}
	return rules, nil
}
