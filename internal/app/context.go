package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/migrate"
	"siteflow/internal/repo"
)

// OpenWorkspace opens the workspace database and applies pending migrations.
func OpenWorkspace(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// ResolveTenantAndConfig picks the active tenant and its config. The tenant
// comes from the override, then siteflow.yml in the workspace, then the only
// tenant in the database. The config is the one stored for the tenant, then
// the workspace file, then the defaults.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	tenantID := tenantOverride
	if tenantID == "" && fileCfg != nil {
		tenantID = fileCfg.Tenant.ID
	}
	if tenantID == "" {
		tenants, err := r.ListTenants(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(tenants) != 1 {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant or SITEFLOW_TENANT")
		}
		tenantID = tenants[0].ID
	}

	cfg, err := r.GetTenantConfig(ctx, nil, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		if fileCfg != nil && fileCfg.Tenant.ID == tenantID {
			cfg = fileCfg
		} else {
			cfg = config.Default(tenantID)
		}
	default:
		return "", nil, err
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
