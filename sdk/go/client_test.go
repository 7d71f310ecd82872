package siteflowsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/engine"
	"siteflow/internal/migrate"
	"siteflow/internal/server"
	"siteflow/internal/telemetry"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := engine.New(conn, config.Default("acme"))
	e.Logger = telemetry.Discard()
	_, err = e.InitTenant(ctx, "acme", "Acme", "owner")
	require.NoError(t, err)
	_, plain, err := e.CreateAPIKey(ctx, "acme", "owner", "sdk")
	require.NoError(t, err)

	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     server.AuthConfig{JWTSecret: "sdk-test-secret"},
		Logger:   telemetry.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(srv.URL + "/v1")
	c.APIKey = plain
	return c
}

func TestClientRunsInstanceToCompletion(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	tpl, err := c.CreateTemplate(ctx, "slab-pour", "Slab pour")
	require.NoError(t, err)
	v, err := c.DraftVersion(ctx, tpl.ID, "", false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.Version)

	_, err = c.AddStep(ctx, v.ID, StepSpec{
		Key:    "pour",
		Name:   "Pour concrete",
		Type:   "form",
		Fields: []FieldSpec{{Key: "slump_mm", Type: "number", Required: true, Rules: "min=0"}},
	})
	require.NoError(t, err)
	_, err = c.AddStep(ctx, v.ID, StepSpec{Key: "signoff", Name: "Engineer sign-off", Type: "approval", DependsOn: []string{"pour"}})
	require.NoError(t, err)
	v, err = c.Publish(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, v.PublishedAt)

	inst, err := c.StartInstance(ctx, "tower-a", v.ID, map[string]any{"zone": "north"})
	require.NoError(t, err)
	pour, ok := inst.StepByKey("pour")
	require.True(t, ok)
	assert.Equal(t, "ready", pour.Status)

	_, err = c.Progress(ctx, pour.ID, "in_progress")
	require.NoError(t, err)
	_, err = c.Progress(ctx, pour.ID, "completed")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_required_field", apiErr.Code)

	val, err := c.SetValue(ctx, pour.ID, "slump_mm", 80)
	require.NoError(t, err)
	require.NotNil(t, val.Number)
	assert.Equal(t, 80.0, *val.Number)
	_, err = c.Progress(ctx, pour.ID, "completed")
	require.NoError(t, err)

	inst, err = c.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	signoff, _ := inst.StepByKey("signoff")
	assert.Equal(t, "ready", signoff.Status)
	_, err = c.Progress(ctx, signoff.ID, "in_progress")
	require.NoError(t, err)

	a, err := c.RequestApproval(ctx, signoff.ID, "please check")
	require.NoError(t, err)
	a, err = c.Decide(ctx, a.ID, "approved", "looks good")
	require.NoError(t, err)
	assert.Equal(t, "approved", a.Decision)
	_, err = c.Progress(ctx, signoff.ID, "completed")
	require.NoError(t, err)

	inst, err = c.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", inst.Status)

	page, err := c.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "instance.completed", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)
	next, err := c.EventsPage(ctx, 2, page.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, next.Items)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.GetInstance(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	c.APIKey = "sf_wrong"
	_, err = c.ListTemplates(ctx, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
