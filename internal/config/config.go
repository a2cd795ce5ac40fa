package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models handoff.yml.
type Config struct {
	Facility struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"facility"`
	Session struct {
		// MaxAssignments bounds how many area assignments one user may hold
		// at once during a duty session.
		MaxAssignments  int    `yaml:"max_assignments"`
		AutosaveDelayMS int    `yaml:"autosave_delay_ms"`
		SignatureCache  string `yaml:"signature_cache"`
	} `yaml:"session"`
	Templates struct {
		Dir string `yaml:"dir"`
	} `yaml:"templates"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ho config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Facility.ID == "" {
		return fmt.Errorf("config.facility.id is required")
	}
	if c.Session.MaxAssignments < 1 || c.Session.MaxAssignments > 8 {
		return fmt.Errorf("config.session.max_assignments must be between 1 and 8")
	}
	if c.Session.AutosaveDelayMS < 0 {
		return fmt.Errorf("config.session.autosave_delay_ms must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "handoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
}

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	cfg.Facility.ID = facilityID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, facilityID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

const defaultTemplate = `facility:
  id: %s
  name: ""

session:
  max_assignments: 4
  autosave_delay_ms: 750
  signature_cache: ""

templates:
  dir: templates
`
