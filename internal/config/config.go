package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models wir.yml.
type Config struct {
	Codes struct {
		WIRPrefix        string `yaml:"wir_prefix" json:"wir_prefix"`
		AllocateOnCreate bool   `yaml:"allocate_on_create" json:"allocate_on_create"`
	} `yaml:"codes" json:"codes"`
	Checklists struct {
		StrictResolution    bool `yaml:"strict_resolution" json:"strict_resolution"`
		MaterializeOnCreate bool `yaml:"materialize_on_create" json:"materialize_on_create"`
	} `yaml:"checklists" json:"checklists"`
	Dispatch struct {
		MaterializeIfNeeded bool `yaml:"materialize_if_needed" json:"materialize_if_needed"`
	} `yaml:"dispatch" json:"dispatch"`
	Policy struct {
		// Roles maps an opaque role label to the actions it may perform.
		// An empty map disables policy checks.
		Roles map[string][]string `yaml:"roles" json:"roles"`
	} `yaml:"policy" json:"policy"`
	Logging struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"logging" json:"logging"`
	Redis struct {
		Addr    string `yaml:"addr" json:"addr"`
		LockTTL string `yaml:"lock_ttl" json:"lock_ttl"`
	} `yaml:"redis" json:"redis"`
}

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*$`)

var knownActions = map[string]bool{
	"*":                   true,
	"create":              true,
	"update":              true,
	"attach":              true,
	"dispatch":            true,
	"submit":              true,
	"recommend":           true,
	"inspector_recommend": true,
	"inspector_save":      true,
	"approve":             true,
	"reject":              true,
	"return":              true,
	"roll_forward":        true,
	"reschedule":          true,
	"note":                true,
	"change_bic":          true,
	"delete":              true,
	"force_status":        true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with wir config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !prefixPattern.MatchString(c.Codes.WIRPrefix) {
		return fmt.Errorf("config.codes.wir_prefix must be upper-case alphanumeric, got %q", c.Codes.WIRPrefix)
	}
	for role, actions := range c.Policy.Roles {
		if role == "" {
			return fmt.Errorf("config.policy.roles contains empty role")
		}
		for _, a := range actions {
			if !knownActions[a] {
				return fmt.Errorf("role %s references unknown action %q", role, a)
			}
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q not supported", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format %q not supported", c.Logging.Format)
	}
	if c.Redis.LockTTL != "" {
		if _, err := time.ParseDuration(c.Redis.LockTTL); err != nil {
			return fmt.Errorf("config.redis.lock_ttl: %w", err)
		}
	}
	return nil
}

// LockTTL returns the redis lock TTL, defaulting to 30s.
func (c *Config) LockTTL() time.Duration {
	if c.Redis.LockTTL == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Redis.LockTTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wir.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `codes:
  wir_prefix: WIR
  allocate_on_create: false

checklists:
  # false: unmatched checklist ids/codes are dropped as long as one resolves.
  strict_resolution: false
  materialize_on_create: false

dispatch:
  materialize_if_needed: true

policy:
  roles: {}

logging:
  level: info
  format: json

redis:
  addr: ""
  lock_ttl: 30s
`
