package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/engine"
	"siteflow/internal/migrate"
	"siteflow/internal/telemetry"
)

type hookRecorder struct {
	mu     sync.Mutex
	got    []webhookEvent
	status int
	delay  time.Duration
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != 0 {
		w.WriteHeader(h.status)
		return
	}
	h.got = append(h.got, evt)
}

func (h *hookRecorder) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, evt := range h.got {
		out = append(out, evt.Type)
	}
	return out
}

func newWebhookEngine(t *testing.T, hooks ...config.WebhookConfig) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn, config.Default(tenantID))
	e.Logger = telemetry.Discard()
	_, err = e.InitTenant(ctx, tenantID, "Acme", "tester")
	require.NoError(t, err)
	cfg := config.Default(tenantID)
	cfg.Webhooks = hooks
	require.NoError(t, e.UpdateConfig(ctx, tenantID, cfg, "tester"))
	return e, ctx
}

func TestWebhookDeliversNewMatchingEvents(t *testing.T) {
	all := &hookRecorder{}
	steps := &hookRecorder{}
	allSrv := httptest.NewServer(all)
	defer allSrv.Close()
	stepSrv := httptest.NewServer(steps)
	defer stepSrv.Close()

	e, ctx := newWebhookEngine(t,
		config.WebhookConfig{URL: allSrv.URL},
		config.WebhookConfig{URL: stepSrv.URL, Events: []string{"template.*"}},
	)
	d := NewWebhookDispatcher(ctx, e, tenantID, telemetry.Discard())
	require.NotNil(t, d)

	// The first pass only positions cursors; history is not replayed.
	require.NoError(t, d.DispatchAll(ctx))
	assert.Empty(t, all.types())

	tpl, err := e.CreateTemplate(ctx, tenantID, "pour", "Pour", "tester")
	require.NoError(t, err)
	_, err = e.DraftVersion(ctx, tenantID, tpl.ID, engine.DraftOptions{ActorID: "tester"})
	require.NoError(t, err)

	require.NoError(t, d.DispatchAll(ctx))
	assert.Equal(t, []string{"template.created", "version.drafted"}, all.types())
	assert.Equal(t, []string{"template.created"}, steps.types())
	assert.Equal(t, tenantID, all.got[0].TenantID)

	require.NoError(t, d.DispatchAll(ctx))
	assert.Len(t, all.types(), 2, "delivered events are not resent")
}

func TestWebhookFailureRetriesFromCursor(t *testing.T) {
	hook := &hookRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(hook)
	defer srv.Close()
	e, ctx := newWebhookEngine(t, config.WebhookConfig{URL: srv.URL})
	d := NewWebhookDispatcher(ctx, e, tenantID, telemetry.Discard())
	require.NoError(t, d.DispatchAll(ctx))

	_, err := e.CreateTemplate(ctx, tenantID, "pour", "Pour", "tester")
	require.NoError(t, err)
	require.Error(t, d.DispatchAll(ctx))

	hook.mu.Lock()
	hook.status = 0
	hook.mu.Unlock()
	require.NoError(t, d.DispatchAll(ctx))
	assert.Equal(t, []string{"template.created"}, hook.types())
}

func TestFailingHookDoesNotHoldBackHealthyHook(t *testing.T) {
	slow := &hookRecorder{delay: 50 * time.Millisecond}
	broken := &hookRecorder{status: http.StatusBadGateway}
	slowSrv := httptest.NewServer(slow)
	defer slowSrv.Close()
	brokenSrv := httptest.NewServer(broken)
	defer brokenSrv.Close()

	e, ctx := newWebhookEngine(t,
		config.WebhookConfig{URL: slowSrv.URL},
		config.WebhookConfig{URL: brokenSrv.URL},
	)
	d := NewWebhookDispatcher(ctx, e, tenantID, telemetry.Discard())
	require.NoError(t, d.DispatchAll(ctx))

	_, err := e.CreateTemplate(ctx, tenantID, "pour", "Pour", "tester")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.Error(t, d.DispatchAll(ctx))
	}
	assert.Equal(t, []string{"template.created"}, slow.types(), "healthy hook gets each event once")
}

func TestNoDispatcherWithoutHooks(t *testing.T) {
	disabled := false
	e, ctx := newWebhookEngine(t, config.WebhookConfig{URL: "http://127.0.0.1:1", Enabled: &disabled})
	assert.Nil(t, NewWebhookDispatcher(ctx, e, tenantID, nil))
}

func TestEventFilterGlobs(t *testing.T) {
	f := newEventFilter([]string{"step.*", " approval.decided "})
	assert.True(t, f.match("step.ready"))
	assert.True(t, f.match("approval.decided"))
	assert.False(t, f.match("approval.requested"))
	assert.True(t, newEventFilter(nil).match("anything"))
}
