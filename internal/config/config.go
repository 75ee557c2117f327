package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trustloop/internal/domain"
)

// Config models trustloop.yml.
type Config struct {
	Admission     Admission     `yaml:"admission"`
	Guardrails    Guardrails    `yaml:"guardrails"`
	Notifications Notifications `yaml:"notifications"`
	Runner        Runner        `yaml:"runner"`
	Log           Log           `yaml:"log"`
	Server        Server        `yaml:"server"`
}

type Admission struct {
	Mode                 string        `yaml:"mode" validate:"oneof=memory leased"`
	DefaultMaxConcurrent int           `yaml:"default_max_concurrent" validate:"gte=1"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
	RunReadyConcurrency  int           `yaml:"run_ready_concurrency" validate:"gte=1"`
}

type Guardrails struct {
	// Task execution trust below this level sends successful output to a human.
	AutonomousLevel int                `yaml:"autonomous_level" validate:"gte=0,lte=4"`
	Defaults        domain.TrustLevels `yaml:"defaults"`
}

type Notifications struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size" validate:"gte=1,lte=500"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	Concurrency int           `yaml:"concurrency" validate:"gte=1"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	Timeout     time.Duration `yaml:"timeout"`
	BotBaseURL  string        `yaml:"bot_base_url" validate:"omitempty,url"`
	SMTP        SMTP          `yaml:"smtp"`
}

type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from" validate:"omitempty,email"`
}

type Runner struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
	// AllowActorHeader accepts X-Actor-Id without credentials.
	AllowActorHeader bool `yaml:"allow_actor_header"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Admission.Mode == "leased" {
		if c.Admission.LeaseTTL <= 0 {
			return fmt.Errorf("config.admission.lease_ttl must be positive in leased mode")
		}
		if c.Admission.Heartbeat <= 0 || c.Admission.Heartbeat >= c.Admission.LeaseTTL {
			return fmt.Errorf("config.admission.heartbeat must be positive and shorter than lease_ttl")
		}
	}
	if c.Notifications.StaleAfter <= 0 {
		return fmt.Errorf("config.notifications.stale_after must be positive")
	}
	if c.Notifications.SMTP.Host != "" && c.Notifications.SMTP.From == "" {
		return fmt.Errorf("config.notifications.smtp.from is required when host is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trustloop.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with trustloop init", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
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

const defaultTemplate = `admission:
  # memory keeps slots in process; leased shares them through the database
  mode: memory
  default_max_concurrent: 2
  lease_ttl: 10m
  heartbeat: 1m
  run_ready_concurrency: 4

guardrails:
  autonomous_level: 2
  defaults:
    task_execution: 2
    decomposition: 2
    skill_creation: 2
    tool_usage: 2
    content_publishing: 1
    external_actions: 1
    spending: 1
    agent_creation: 1

notifications:
  interval: 15s
  batch_size: 50
  max_attempts: 3
  concurrency: 4
  stale_after: 10m
  timeout: 10s
  bot_base_url: https://api.telegram.org
  smtp:
    host: ""
    port: 587

runner:
  base_url: ""
  timeout: 5m

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8787
  base_path: /v1
  allow_actor_header: false
`
