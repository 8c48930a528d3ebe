package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models redress.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Signing struct {
		Key string `yaml:"key"`
	} `yaml:"signing"`
	Auth struct {
		JWTSecret      string `yaml:"jwt_secret"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
	} `yaml:"auth"`
	Advisor struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"advisor"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound event subscription.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with rdx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Signing.Key == "" {
		return fmt.Errorf("config.signing.key is required")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhook %s has empty event name", hook.URL)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "redress.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
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

// Default returns the default Config struct for a service.
func Default(serviceName string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(serviceName)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

const defaultTemplate = `service:
  name: %s

signing:
  # HMAC key for provenance signatures; replace outside local development.
  key: dev-signing-key

auth:
  # leave jwt_secret empty to disable JWT validation
  jwt_secret: ""
  allow_anonymous: true

advisor:
  # layer the built-in keyword advisor over the deterministic rule checks
  enabled: false

webhooks: []
`
