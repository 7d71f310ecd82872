package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/db"
	"siteflow/internal/domain"
	"siteflow/internal/events"
	"siteflow/internal/migrate"
)

const ts = "2026-03-01T08:00:00Z"

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := Repo{DB: conn}
	for _, id := range []string{"acme", "beta"} {
		require.NoError(t, r.InsertTenant(ctx, nil, domain.Tenant{ID: id, CreatedAt: ts}))
	}
	return r, ctx
}

func TestGetByIDChecksTenant(t *testing.T) {
	r, ctx := newTestRepo(t)
	tpl := domain.Template{ID: "t1", TenantID: "acme", Code: "pour", Name: "Pour", Status: domain.TemplateDraft, CreatedBy: "u", CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertTemplate(ctx, nil, tpl))

	got, err := r.GetTemplate(ctx, nil, "acme", "t1")
	require.NoError(t, err)
	assert.Equal(t, "pour", got.Code)

	_, err = r.GetTemplate(ctx, nil, "beta", "t1")
	assert.ErrorIs(t, err, ErrCrossTenantAccess)
	_, err = r.GetTemplate(ctx, nil, "acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	items, err := r.ListTemplates(ctx, "beta", "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func appendEvents(t *testing.T, r Repo, ctx context.Context, tenantID string, n int) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, events.Writer{}.Append(ctx, tx, events.StepReady, tenantID, "step", "s", "u", nil))
	}
	require.NoError(t, tx.Commit())
}

func TestEventCursors(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendEvents(t, r, ctx, "acme", 3)
	appendEvents(t, r, ctx, "beta", 2)

	latest, err := r.LatestEvents(ctx, EventFilters{TenantID: "acme", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID, "newest first")

	older, err := r.LatestEvents(ctx, EventFilters{TenantID: "acme", Before: latest[1].ID})
	require.NoError(t, err)
	require.Len(t, older, 1)

	after, err := r.EventsAfter(ctx, 10, older[0].ID, "acme")
	require.NoError(t, err)
	assert.Len(t, after, 2)

	maxID, err := r.LatestEventID(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, int64(5), maxID)
}

func TestUnpublishedEventsSpanTenants(t *testing.T) {
	r, ctx := newTestRepo(t)
	appendEvents(t, r, ctx, "acme", 1)
	appendEvents(t, r, ctx, "beta", 1)

	pending, err := r.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, r.MarkEventPublished(ctx, pending[0].ID, ts))
	require.NoError(t, r.MarkEventPublished(ctx, pending[0].ID, "2026-03-02T08:00:00Z"))
	pending, err = r.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "beta", pending[0].TenantID)

	evts, err := r.LatestEvents(ctx, EventFilters{TenantID: "acme"})
	require.NoError(t, err)
	require.NotNil(t, evts[0].PublishedAt)
	assert.Equal(t, ts, *evts[0].PublishedAt, "first stamp wins")
}
