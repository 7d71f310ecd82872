package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
	"siteflow/internal/db"
	"siteflow/internal/domain"
	"siteflow/internal/engine"
	"siteflow/internal/migrate"
	"siteflow/internal/telemetry"
)

const (
	testSecret = "test-secret"
	tenantID   = "acme"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := engine.New(conn, config.Default(tenantID))
	e.Logger = telemetry.Discard()
	_, err = e.InitTenant(ctx, tenantID, "Acme", "tester")
	require.NoError(t, err)
	_, err = e.AddMember(ctx, tenantID, "reviewer", "approver")
	require.NoError(t, err)

	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = testSecret
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg, Logger: telemetry.Discard()})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

func bearer(t *testing.T, actor, tenant string, perms ...string) map[string]string {
	t.Helper()
	token, err := signToken(testSecret, actor, tenant, perms, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// expect asserts the status and decodes the body into out when non-nil.
func (s *testServer) expect(t *testing.T, status int, method, path string, body any, headers map[string]string, out any) []byte {
	t.Helper()
	res, data := s.do(t, method, path, body, headers)
	require.Equal(t, status, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
	return data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	admin := bearer(t, "tester", tenantID)
	reviewer := bearer(t, "reviewer", tenantID)

	var tpl domain.Template
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", map[string]any{"code": "pour", "name": "Concrete pour"}, admin, &tpl)
	var ver domain.TemplateVersion
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates/"+tpl.ID+"/versions", map[string]any{}, admin, &ver)
	assert.Equal(t, "1.0.0", ver.Version)

	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/versions/"+ver.ID+"/steps", map[string]any{
		"key":  "inspect",
		"name": "Inspect formwork",
		"type": "form",
		"fields": []map[string]any{
			{"key": "slump_mm", "label": "Slump", "type": "number", "required": true},
		},
	}, admin, nil)
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/versions/"+ver.ID+"/steps", map[string]any{
		"key":        "signoff",
		"name":       "Engineer sign-off",
		"type":       "approval",
		"depends_on": []string{"inspect"},
	}, admin, nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/versions/"+ver.ID+"/publish", nil, admin, nil)

	var inst domain.Instance
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/instances", map[string]any{
		"project_id": "site-1",
		"version_id": ver.ID,
	}, admin, &inst)
	require.Len(t, inst.Steps, 2)
	steps := map[string]domain.StepInstance{}
	for _, st := range inst.Steps {
		steps[st.StepKey] = st
	}
	inspect, signoff := steps["inspect"], steps["signoff"]
	assert.Equal(t, domain.StepReady, inspect.Status)
	assert.Equal(t, domain.StepPending, signoff.Status)

	progress := func(stepID, status string, want int) []byte {
		return srv.expect(t, want, http.MethodPost, "/v1/steps/"+stepID+"/progress", map[string]any{"status": status}, admin, nil)
	}
	progress(inspect.ID, "in_progress", http.StatusOK)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(progress(inspect.ID, "completed", http.StatusUnprocessableEntity), &env))
	assert.Equal(t, "missing_required_field", env.Error.Code)
	assert.Equal(t, []any{"slump_mm"}, env.Error.Details["fields"])

	require.NoError(t, json.Unmarshal(srv.expect(t, http.StatusUnprocessableEntity, http.MethodPut,
		"/v1/steps/"+inspect.ID+"/values/slump_mm", map[string]any{"value": "runny"}, admin, nil), &env))
	assert.Equal(t, "type_mismatch", env.Error.Code)
	assert.Equal(t, "slump_mm", env.Error.Details["field"])

	var val domain.FieldValue
	srv.expect(t, http.StatusOK, http.MethodPut, "/v1/steps/"+inspect.ID+"/values/slump_mm", map[string]any{"value": 95}, admin, &val)
	require.NotNil(t, val.Number)
	assert.InDelta(t, 95, *val.Number, 0.001)
	progress(inspect.ID, "completed", http.StatusOK)

	var st domain.StepInstance
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/steps/"+signoff.ID, nil, admin, &st)
	assert.Equal(t, domain.StepReady, st.Status)
	progress(signoff.ID, "in_progress", http.StatusOK)
	require.NoError(t, json.Unmarshal(progress(signoff.ID, "completed", http.StatusUnprocessableEntity), &env))
	assert.Equal(t, "approval_required", env.Error.Code)

	var appr domain.Approval
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/steps/"+signoff.ID+"/approvals", map[string]any{"comment": "ready"}, admin, &appr)
	srv.expect(t, http.StatusConflict, http.MethodPost, "/v1/steps/"+signoff.ID+"/approvals", nil, admin, nil)
	srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/approvals/"+appr.ID+"/decide", map[string]any{"decision": "approved"}, bearer(t, "worker", tenantID, "instance.write"), nil)
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/approvals/"+appr.ID+"/decide", map[string]any{"decision": "approved"}, reviewer, &appr)
	assert.Equal(t, domain.DecisionApproved, appr.Decision)
	srv.expect(t, http.StatusConflict, http.MethodPost, "/v1/approvals/"+appr.ID+"/decide", map[string]any{"decision": "rejected"}, reviewer, nil)

	progress(signoff.ID, "completed", http.StatusOK)
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/instances/"+inst.ID, nil, admin, &inst)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)

	var page listResponse[domain.Event]
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?type=instance.completed", nil, admin, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, inst.ID, page.Items[0].EntityID)
}

func TestPublishCycleReportsPath(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	admin := bearer(t, "tester", tenantID)
	var tpl domain.Template
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", map[string]any{"code": "loop", "name": "Loop"}, admin, &tpl)
	var ver domain.TemplateVersion
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates/"+tpl.ID+"/versions", nil, admin, &ver)
	for _, s := range []map[string]any{
		{"key": "a", "name": "A", "type": "task", "depends_on": []string{"b"}},
		{"key": "b", "name": "B", "type": "task", "depends_on": []string{"a"}},
	} {
		srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/versions/"+ver.ID+"/steps", s, admin, nil)
	}
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(srv.expect(t, http.StatusUnprocessableEntity, http.MethodPost, "/v1/versions/"+ver.ID+"/publish", nil, admin, nil), &env))
	assert.Equal(t, "cyclic_dependency", env.Error.Code)
	assert.Len(t, env.Error.Details["cycle"], 3)

	srv.expect(t, http.StatusUnprocessableEntity, http.MethodPost, "/v1/instances", map[string]any{"project_id": "p", "version_id": ver.ID}, admin, nil)
}

func TestUpdateStepClearsSLAOnNull(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	admin := bearer(t, "tester", tenantID)
	var tpl domain.Template
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", map[string]any{"code": "sla", "name": "SLA"}, admin, &tpl)
	var ver domain.TemplateVersion
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates/"+tpl.ID+"/versions", nil, admin, &ver)
	var def domain.StepDef
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/versions/"+ver.ID+"/steps", map[string]any{"key": "a", "name": "A", "type": "task", "sla_hours": 4}, admin, &def)
	require.NotNil(t, def.SLAHours)

	srv.expect(t, http.StatusOK, http.MethodPatch, "/v1/step-defs/"+def.ID, map[string]any{"name": "Renamed"}, admin, &def)
	assert.Equal(t, "Renamed", def.Name)
	require.NotNil(t, def.SLAHours, "omitted sla_hours is left alone")

	res, data := srv.do(t, http.MethodPatch, "/v1/step-defs/"+def.ID, json.RawMessage(`{"sla_hours":null}`), admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &def))
	assert.Nil(t, def.SLAHours)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, _ := srv.do(t, http.MethodGet, "/v1/templates", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = srv.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	wrongKey, err := signToken("other-secret", "tester", tenantID, nil, time.Hour)
	require.NoError(t, err)
	res, _ = srv.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = srv.do(t, http.MethodGet, "/v1/templates", nil, map[string]string{"X-Actor-Id": "tester", "X-Tenant-Id": tenantID})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "dev headers are off by default")

	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/health", nil, nil, nil)
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/templates", nil, bearer(t, "tester", tenantID), nil)
}

func TestPermissions(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/templates",
		map[string]any{"code": "x", "name": "X"}, bearer(t, "bot", tenantID, "template.read"), nil), &env))
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "template.write", env.Error.Details["permission"])

	require.NoError(t, json.Unmarshal(srv.expect(t, http.StatusForbidden, http.MethodGet, "/v1/templates", nil,
		bearer(t, "stranger", tenantID), nil), &env))
	assert.Equal(t, "not_member", env.Error.Code)

	srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/templates",
		map[string]any{"code": "x", "name": "X"}, bearer(t, "reviewer", tenantID), nil)
}

func TestCrossTenantAccess(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	var tpl domain.Template
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", map[string]any{"code": "t", "name": "T"}, bearer(t, "tester", tenantID), &tpl)

	other := bearer(t, "intruder", "beta", "template.read", "template.write")
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(srv.expect(t, http.StatusForbidden, http.MethodGet, "/v1/templates/"+tpl.ID, nil, other, nil), &env))
	assert.Equal(t, "cross_tenant_access", env.Error.Code)
	srv.expect(t, http.StatusForbidden, http.MethodPost, "/v1/templates/"+tpl.ID+"/archive", nil, other, nil)
	srv.expect(t, http.StatusNotFound, http.MethodGet, "/v1/templates/missing", nil, other, nil)
}

func TestAPIKeyAndDevHeaders(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowDevHeaders: true, DevLogin: true})
	dev := map[string]string{"X-Actor-Id": "tester", "X-Tenant-Id": tenantID}

	var key CreateAPIKeyResponse
	srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/apikeys", map[string]any{"name": "ci"}, dev, &key)
	require.True(t, strings.HasPrefix(key.Key, "sf_"))

	var who WhoAmIResponse
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": key.Key}, &who)
	assert.Equal(t, "tester", who.ActorID)
	assert.Equal(t, tenantID, who.TenantID)
	assert.Equal(t, "admin", who.Role)
	assert.Equal(t, "api_key", who.Source)
	assert.Contains(t, who.Permissions, "template.publish")

	res, _ := srv.do(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": "sf_bogus"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	var login DevLoginResponse
	srv.expect(t, http.StatusOK, http.MethodPost, "/v1/auth/dev/login", map[string]any{"actor_id": "reviewer", "tenant_id": tenantID}, nil, &login)
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token}, &who)
	assert.Equal(t, "approver", who.Role)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	admin := bearer(t, "tester", tenantID)
	for _, code := range []string{"a", "b", "c"} {
		srv.expect(t, http.StatusCreated, http.MethodPost, "/v1/templates", map[string]any{"code": code, "name": code}, admin, nil)
	}
	var page listResponse[domain.Event]
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?type=template.created&limit=2", nil, admin, &page)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)

	var next listResponse[domain.Event]
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/events?type=template.created&limit=2&cursor="+page.NextCursor, nil, admin, &next)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)

	srv.expect(t, http.StatusBadRequest, http.MethodGet, "/v1/events?cursor=abc", nil, admin, nil)
}

func TestMetricsAndDocs(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	data := srv.expect(t, http.StatusOK, http.MethodGet, "/metrics", nil, nil, nil)
	assert.Contains(t, string(data), "go_goroutines")

	var oas map[string]any
	srv.expect(t, http.StatusOK, http.MethodGet, "/v1/openapi.json", nil, nil, &oas)
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/steps/{id}/progress")
}
