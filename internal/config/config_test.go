package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteflow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Tenant.ID)
	assert.Equal(t, config.OnRejectBlock, cfg.Approvals.OnReject)
	assert.Contains(t, cfg.RolePermissions("approver"), "approval.decide")
	assert.Nil(t, cfg.RolePermissions("nobody"))
}

func TestFromYAMLRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing tenant":  "approvals:\n  on_reject: block\n",
		"bad on_reject":   "tenant:\n  id: a\napprovals:\n  on_reject: explode\n",
		"no admin role":   "tenant:\n  id: a\nrbac:\n  roles:\n    member:\n      permissions: [x]\n",
		"empty webhook":   "tenant:\n  id: a\nwebhooks:\n  - events: [step.ready]\n",
		"bad log format":  "tenant:\n  id: a\nlog:\n  format: xml\n",
		"unknown default": "tenant:\n  id: a\nrbac:\n  default_role: ghost\n  roles:\n    admin:\n      permissions: [x]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFromYAMLDefaultsOnReject(t *testing.T) {
	cfg, err := config.FromYAML([]byte("tenant:\n  id: a\n"))
	require.NoError(t, err)
	assert.Equal(t, config.OnRejectBlock, cfg.Approvals.OnReject)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "siteflow.yml"), []byte(config.GenerateDefault("site-7")), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "site-7", cfg.Tenant.ID)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}
