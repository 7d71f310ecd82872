package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"siteflow/internal/config"
	"siteflow/internal/domain"
	"siteflow/internal/events"
	"siteflow/internal/repo"
	"siteflow/internal/telemetry"
)

// Engine owns every state change. Each exported mutation runs in one
// transaction and appends its events to the outbox before commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config is the fallback when a tenant has no stored config.
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log(ctx context.Context) *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return telemetry.FromContext(ctx)
}

// appendEvent stamps events with the engine clock unless Events has its own.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, tenantID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, tenantID, entityKind, entityID, actorID, payload)
}

func newID() string {
	return uuid.NewString()
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return invalidInput("tenant is required")
	}
	return nil
}

// TenantConfig returns the stored config for tenantID, falling back to the
// engine's config and then the defaults.
func (e Engine) TenantConfig(ctx context.Context, q repo.Querier, tenantID string) *config.Config {
	cfg, err := e.Repo.GetTenantConfig(ctx, q, tenantID)
	if err == nil {
		return cfg
	}
	if !errors.Is(err, repo.ErrNotFound) {
		e.log(ctx).Warn("tenant config unreadable, using defaults", "tenant_id", tenantID, "error", err)
	}
	if e.Config != nil && (e.Config.Tenant.ID == tenantID || e.Config.Tenant.ID == "") {
		return e.Config
	}
	return config.Default(tenantID)
}

// InitTenant creates a tenant, stores its config and makes actorID an admin.
func (e Engine) InitTenant(ctx context.Context, tenantID, name, actorID string) (domain.Tenant, error) {
	if err := requireTenant(tenantID); err != nil {
		return domain.Tenant{}, err
	}
	if actorID == "" {
		return domain.Tenant{}, invalidInput("actor is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tenant{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTenant(ctx, tx, tenantID); err == nil {
		return domain.Tenant{}, fmt.Errorf("tenant %s already initialized", tenantID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Tenant{}, err
	}
	now := e.nowString()
	t := domain.Tenant{ID: tenantID, Name: name, CreatedAt: now}
	if t.Name == "" {
		t.Name = tenantID
	}
	if err := e.Repo.InsertTenant(ctx, tx, t); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	cfg := config.Default(tenantID)
	if e.Config != nil && e.Config.Tenant.ID == tenantID {
		cfg = e.Config
	}
	if err := e.Repo.UpsertTenantConfig(ctx, tx, tenantID, cfg, now); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert tenant config: %w", err)
	}
	if err := e.Repo.UpsertMember(ctx, tx, domain.Member{TenantID: tenantID, ActorID: actorID, Role: "admin", CreatedAt: now}); err != nil {
		return domain.Tenant{}, fmt.Errorf("insert admin: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TenantInit, tenantID, "tenant", tenantID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Tenant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tenant{}, err
	}
	return t, nil
}

// UpdateConfig replaces a tenant's stored config.
func (e Engine) UpdateConfig(ctx context.Context, tenantID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return invalidInput("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return invalidInput("%v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTenant(ctx, tx, tenantID); err != nil {
		return err
	}
	if err := e.Repo.UpsertTenantConfig(ctx, tx, tenantID, cfg, e.nowString()); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.ConfigUpdated, tenantID, "tenant", tenantID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// AddMember grants actorID a role defined in the tenant's rbac config, the
// configured default role when role is empty.
func (e Engine) AddMember(ctx context.Context, tenantID, actorID, role string) (domain.Member, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTenant(ctx, tx, tenantID); err != nil {
		return domain.Member{}, err
	}
	cfg := e.TenantConfig(ctx, tx, tenantID)
	if role == "" {
		role = cfg.RBAC.DefaultRole
	}
	if role == "" {
		return domain.Member{}, invalidInput("role is required")
	}
	if len(cfg.RBAC.Roles) > 0 {
		if _, ok := cfg.RBAC.Roles[role]; !ok {
			return domain.Member{}, invalidInput("role %s not defined", role)
		}
	}
	m := domain.Member{TenantID: tenantID, ActorID: actorID, Role: role, CreatedAt: e.nowString()}
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	return m, tx.Commit()
}

// CreateAPIKey issues a key for actorID. The plain key is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, tenantID, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", invalidInput("actor is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "sf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        newID(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTenant(ctx, tx, tenantID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, tenantID, "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
