package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"caseline/internal/domain"
)

const FileName = "caseline.yml"

// Config models caseline.yml.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	SLA struct {
		AtRiskWindow  time.Duration `yaml:"at_risk_window"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		BatchSize     int           `yaml:"batch_size"`
	} `yaml:"sla"`
	Notifications struct {
		Sinks   []string `yaml:"sinks"`
		Webhook struct {
			URL     string        `yaml:"url"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"webhook"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
		SQS struct {
			QueueURL string `yaml:"queue_url"`
			Region   string `yaml:"region"`
			Endpoint string `yaml:"endpoint"`
		} `yaml:"sqs"`
	} `yaml:"notifications"`
	Storage struct {
		Provider string `yaml:"provider"`
		Local    struct {
			Dir     string `yaml:"dir"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"local"`
		S3 struct {
			Bucket    string `yaml:"bucket"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint"`
			PublicURL string `yaml:"public_url"`
		} `yaml:"s3"`
	} `yaml:"storage"`
	Services []domain.Service `yaml:"services"`
	Auth     struct {
		AdminIDs []string `yaml:"admin_ids"`
	} `yaml:"auth"`
}

var (
	knownSinks     = []string{"log", "webhook", "kafka", "sqs"}
	knownProviders = []string{"local", "s3"}
	knownLevels    = []string{"debug", "info", "warn", "error"}
)

// Default returns the configuration used when no caseline.yml exists.
func Default() *Config {
	var cfg Config
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	cfg.SLA.AtRiskWindow = 24 * time.Hour
	cfg.SLA.SweepInterval = time.Hour
	cfg.SLA.BatchSize = 500
	cfg.Notifications.Sinks = []string{"log"}
	cfg.Notifications.Webhook.Timeout = 5 * time.Second
	cfg.Storage.Provider = "local"
	cfg.Storage.Local.Dir = "files"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Log.Level != "" && !lo.Contains(knownLevels, c.Log.Level) {
		return fmt.Errorf("config.log.level must be one of %v", knownLevels)
	}
	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("config.log.format must be console or json")
	}
	if c.SLA.AtRiskWindow < 0 {
		return fmt.Errorf("config.sla.at_risk_window must not be negative")
	}
	if c.SLA.SweepInterval <= 0 {
		return fmt.Errorf("config.sla.sweep_interval must be positive")
	}
	if c.SLA.BatchSize <= 0 {
		return fmt.Errorf("config.sla.batch_size must be positive")
	}
	for _, s := range c.Notifications.Sinks {
		if !lo.Contains(knownSinks, s) {
			return fmt.Errorf("unknown notification sink %s", s)
		}
	}
	if dup := lo.FindDuplicates(c.Notifications.Sinks); len(dup) > 0 {
		return fmt.Errorf("notification sink %s listed twice", dup[0])
	}
	if lo.Contains(c.Notifications.Sinks, "webhook") && c.Notifications.Webhook.URL == "" {
		return fmt.Errorf("config.notifications.webhook.url is required for the webhook sink")
	}
	if lo.Contains(c.Notifications.Sinks, "kafka") {
		if len(c.Notifications.Kafka.Brokers) == 0 || c.Notifications.Kafka.Topic == "" {
			return fmt.Errorf("config.notifications.kafka needs brokers and topic")
		}
	}
	if lo.Contains(c.Notifications.Sinks, "sqs") && c.Notifications.SQS.QueueURL == "" {
		return fmt.Errorf("config.notifications.sqs.queue_url is required for the sqs sink")
	}
	if !lo.Contains(knownProviders, c.Storage.Provider) {
		return fmt.Errorf("config.storage.provider must be one of %v", knownProviders)
	}
	if c.Storage.Provider == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("config.storage.s3.bucket is required")
	}
	seen := map[string]bool{}
	for i, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("config.services[%d].id is required", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("service %s defined twice", svc.ID)
		}
		seen[svc.ID] = true
		for _, doc := range svc.DocumentsRequired {
			if doc == "" {
				return fmt.Errorf("service %s has empty document type", svc.ID)
			}
		}
	}
	for _, id := range c.Auth.AdminIDs {
		if id == "" {
			return fmt.Errorf("config.auth.admin_ids contains empty id")
		}
	}
	return nil
}

// IsAdmin reports whether id is listed in auth.admin_ids.
func (c *Config) IsAdmin(id string) bool {
	return lo.Contains(c.Auth.AdminIDs, id)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads the workspace config, falling back to Default when the file is absent.
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

// FromYAML parses raw YAML over the defaults and validates the result.
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

// Sample is written by `cl init`.
const Sample = `log:
  level: info
  format: console

sla:
  at_risk_window: 24h
  sweep_interval: 1h
  batch_size: 500

notifications:
  sinks: [log]
  webhook:
    url: ""
    timeout: 5s

storage:
  provider: local
  local:
    dir: files

services:
  - id: trademark-registration
    name: Trademark registration
    documents_required: [passport, power_of_attorney, logo]

auth:
  admin_ids: []
`
