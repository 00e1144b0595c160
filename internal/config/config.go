package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"thesisline/internal/phase"
)

// Config models thesisline.yml.
type Config struct {
	Workflow struct {
		MaxFormAttempts int `yaml:"max_form_attempts"`
	} `yaml:"workflow"`
	Roles         Roles `yaml:"roles"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

// Roles maps each workflow action to the role allowed to perform it.
// The orchestrator receives this object explicitly; there is no global
// role table.
type Roles struct {
	Submit         string `yaml:"submit"`
	FormReview     string `yaml:"form_review"`
	ProposalAssign string `yaml:"proposal_assign"`
	ProposalReview string `yaml:"proposal_review"`
	Finalize       string `yaml:"finalize"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.MaxFormAttempts <= 0 {
		return fmt.Errorf("config.workflow.max_form_attempts must be positive")
	}
	roles := map[string]string{
		"submit":          c.Roles.Submit,
		"form_review":     c.Roles.FormReview,
		"proposal_assign": c.Roles.ProposalAssign,
		"proposal_review": c.Roles.ProposalReview,
		"finalize":        c.Roles.Finalize,
	}
	for action, role := range roles {
		if role == "" {
			return fmt.Errorf("config.roles.%s is required", action)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Machine returns the lifecycle machine configured by this config.
func (c *Config) Machine() phase.Machine {
	return phase.Machine{MaxFormAttempts: c.Workflow.MaxFormAttempts}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "thesisline.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields the
// file omits keep their defaults.
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  max_form_attempts: 3

roles:
  submit: student
  form_review: coordinator
  proposal_assign: committee
  proposal_review: evaluator
  finalize: coordinator

notifications:
  webhooks: []
`
