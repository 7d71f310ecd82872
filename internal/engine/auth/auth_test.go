package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/engine"
	"siteflow/internal/engine/auth"
	"siteflow/internal/migrate"
)

func newService(t *testing.T) (auth.Service, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, config.Default("acme"))
	_, err = eng.InitTenant(ctx, "acme", "Acme", "owner")
	require.NoError(t, err)
	_, err = eng.AddMember(ctx, "acme", "reviewer", "approver")
	require.NoError(t, err)
	_, err = eng.AddMember(ctx, "acme", "worker", "")
	require.NoError(t, err)
	return auth.Service{Engine: eng}, ctx
}

func TestRolePermissions(t *testing.T) {
	svc, ctx := newService(t)

	require.NoError(t, svc.Require(ctx, "acme", "owner", auth.PermTemplatePublish))
	require.NoError(t, svc.Require(ctx, "acme", "reviewer", auth.PermApprovalDecide))

	err := svc.Require(ctx, "acme", "reviewer", auth.PermInstanceWrite)
	require.ErrorAs(t, err, &auth.ForbiddenError{})

	role, err := svc.ActorRole(ctx, "acme", "worker")
	require.NoError(t, err)
	require.Equal(t, "member", role, "empty role falls back to rbac.default_role")
	require.NoError(t, svc.Require(ctx, "acme", "worker", auth.PermInstanceWrite))
	require.Error(t, svc.Require(ctx, "acme", "worker", auth.PermApprovalDecide))
}

func TestNonMemberRejected(t *testing.T) {
	svc, ctx := newService(t)
	err := svc.Require(ctx, "acme", "stranger", auth.PermTemplateRead)
	require.ErrorIs(t, err, auth.ErrNotMember)
	err = svc.Require(ctx, "other", "owner", auth.PermTemplateRead)
	require.ErrorIs(t, err, auth.ErrNotMember)
}
