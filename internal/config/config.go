package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "surveyline.yml"

// Config models surveyline.yml.
type Config struct {
	Schedule struct {
		SecondsPerDay int `yaml:"seconds_per_day"`
	} `yaml:"schedule"`
	Notifications NotificationConfig `yaml:"notifications"`
	Alerts        AlertConfig        `yaml:"alerts"`
	Survey        SurveyConfig       `yaml:"survey"`
	Webhooks      []WebhookConfig    `yaml:"webhooks"`
	Server        struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type NotificationConfig struct {
	Mode           string `yaml:"mode"`
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AlertConfig struct {
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SurveyConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig subscribes an endpoint to audit events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	NotifyLog     = "log"
	NotifyWebhook = "webhook"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl init", path)
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
	if c.Schedule.SecondsPerDay < 0 {
		return fmt.Errorf("schedule.seconds_per_day must not be negative")
	}
	switch c.Notifications.Mode {
	case NotifyLog:
	case NotifyWebhook:
		if err := validURL(c.Notifications.URL); err != nil {
			return fmt.Errorf("notifications.url: %w", err)
		}
	default:
		return fmt.Errorf("notifications.mode must be %q or %q", NotifyLog, NotifyWebhook)
	}
	if c.Alerts.URL != "" {
		if err := validURL(c.Alerts.URL); err != nil {
			return fmt.Errorf("alerts.url: %w", err)
		}
	}
	if c.Survey.BaseURL != "" {
		if err := validURL(c.Survey.BaseURL); err != nil {
			return fmt.Errorf("survey.base_url: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if err := validURL(hook.URL); err != nil {
			return fmt.Errorf("webhooks[%d].url: %w", i, err)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d] has empty event type", i)
			}
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// DayLength is the duration of one scheduling day.
func (c *Config) DayLength() time.Duration {
	if c.Schedule.SecondsPerDay > 0 {
		return time.Duration(c.Schedule.SecondsPerDay) * time.Second
	}
	return 24 * time.Hour
}

func validURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
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

// FromYAML parses and validates config from raw YAML bytes.
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

const defaultTemplate = `schedule:
  # 0 runs on calendar days; a positive value maps one day onto that many seconds.
  seconds_per_day: 0

notifications:
  mode: log
  timeout_seconds: 10

alerts:
  subject_prefix: "[surveyline]"
  timeout_seconds: 5

survey:
  timeout_seconds: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
