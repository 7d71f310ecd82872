package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	OnRejectBlock  = "block"
	OnRejectManual = "manual"
)

// Config models siteflow.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Approvals struct {
		OnReject string `yaml:"on_reject" json:"on_reject"`
	} `yaml:"approvals" json:"approvals"`
	RBAC struct {
		DefaultRole string              `yaml:"default_role" json:"default_role"`
		Roles       map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Relay    RelayConfig     `yaml:"relay" json:"relay"`
	Server   ServerConfig    `yaml:"server" json:"server"`
	Log      LogConfig       `yaml:"log" json:"log"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type RelayConfig struct {
	AMQPURL         string `yaml:"amqp_url" json:"amqp_url,omitempty"`
	Exchange        string `yaml:"exchange" json:"exchange"`
	BatchSize       int    `yaml:"batch_size" json:"batch_size"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sf tenant init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	switch c.Approvals.OnReject {
	case OnRejectBlock, OnRejectManual:
	default:
		return fmt.Errorf("config.approvals.on_reject must be %q or %q", OnRejectBlock, OnRejectManual)
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		if c.RBAC.DefaultRole != "" {
			if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
				return fmt.Errorf("config.rbac.default_role %s not defined", c.RBAC.DefaultRole)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	if c.Relay.BatchSize < 0 || c.Relay.IntervalSeconds < 0 {
		return fmt.Errorf("config.relay batch_size and interval_seconds must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// RolePermissions returns the permissions granted to a role, nil if unknown.
func (c *Config) RolePermissions(role string) []string {
	if c == nil {
		return nil
	}
	r, ok := c.RBAC.Roles[role]
	if !ok {
		return nil
	}
	return r.Permissions
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Approvals.OnReject == "" {
		cfg.Approvals.OnReject = OnRejectBlock
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: %s

approvals:
  # block moves an in-progress approval step to blocked when rejected;
  # manual leaves the step untouched.
  on_reject: block

rbac:
  default_role: member
  roles:
    admin:
      description: "Full access to templates, instances and approvals"
      permissions:
        - template.read
        - template.write
        - template.publish
        - instance.read
        - instance.write
        - approval.request
        - approval.decide
        - events.read
        - apikey.write
    editor:
      description: "Maintains templates and drives instances"
      permissions:
        - template.read
        - template.write
        - template.publish
        - instance.read
        - instance.write
        - approval.request
        - events.read
    approver:
      description: "Decides approvals"
      permissions:
        - template.read
        - instance.read
        - approval.decide
    member:
      description: "Works on assigned steps"
      permissions:
        - template.read
        - instance.read
        - instance.write
        - approval.request

relay:
  exchange: siteflow.events
  batch_size: 100
  interval_seconds: 2

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: json
`
