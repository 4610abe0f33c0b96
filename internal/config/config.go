package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the engine
type Config struct {
	Investigation InvestigationConfig `yaml:"investigation"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Confidence    ConfidenceConfig    `yaml:"confidence"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Planner       PlannerConfig       `yaml:"planner"`

	// AdaptersPath is the path to the adapters YAML file (instances, devices, selection rules)
	AdaptersPath string `yaml:"adapters_path"`

	// AuditPath is the JSONL audit log; empty disables auditing
	AuditPath string `yaml:"audit_path"`

	// MetricsAddr is the listen address of the Prometheus endpoint started by serve
	MetricsAddr string `yaml:"metrics_addr"`

	Tracing TracingConfig `yaml:"tracing"`
}

// InvestigationConfig bounds and terminates investigations
type InvestigationConfig struct {
	MaxRounds           int      `yaml:"max_rounds"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	RequiredLayers      []string `yaml:"required_layers"`

	// OnReject is "terminate" or "continue"
	OnReject string `yaml:"on_reject"`

	// CaseSimilarity is the minimum similarity for a prior case to count as a match
	CaseSimilarity float64 `yaml:"case_similarity"`
}

// DispatchConfig sizes the parallel dispatcher
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// DeviceRate is the per-device task rate per second; 0 disables throttling
	DeviceRate  float64 `yaml:"device_rate"`
	DeviceBurst int     `yaml:"device_burst"`
}

// ConfidenceConfig tunes observed confidence and decay
type ConfidenceConfig struct {
	RealtimeBase      float64       `yaml:"realtime_base"`
	HistoricalBase    float64       `yaml:"historical_base"`
	Floor             float64       `yaml:"floor"`
	DecayTimeConstant time.Duration `yaml:"decay_time_constant"`
}

// ApprovalConfig selects the durable store for pending change plans
type ApprovalConfig struct {
	// Store is "file", "sqlite" or "redis"
	Store         string `yaml:"store"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
}

// KnowledgeConfig configures the case library and its cache
type KnowledgeConfig struct {
	LibraryPath string        `yaml:"library_path"`
	TopK        int           `yaml:"top_k"`
	CacheSize   int           `yaml:"cache_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	EventWindow time.Duration `yaml:"event_window"`
}

// PlannerConfig selects the planner implementation
type PlannerConfig struct {
	// Kind is "playbook" or "anthropic"
	Kind         string `yaml:"kind"`
	PlaybookPath string `yaml:"playbook_path"`
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	TLSCAPath   string `yaml:"tls_ca_path"`
	TLSInsecure bool   `yaml:"tls_insecure"`
}

// Default returns the configuration used when no file overrides a field
func Default() *Config {
	return &Config{
		Investigation: InvestigationConfig{
			MaxRounds:           5,
			ConfidenceThreshold: 0.5,
			RequiredLayers:      []string{"physical", "link", "network", "policy"},
			OnReject:            "terminate",
			CaseSimilarity:      0.7,
		},
		Dispatch: DispatchConfig{
			Workers:     8,
			TaskTimeout: 30 * time.Second,
			DeviceBurst: 1,
		},
		Confidence: ConfidenceConfig{
			RealtimeBase:      0.95,
			HistoricalBase:    0.60,
			Floor:             0.25,
			DecayTimeConstant: time.Hour,
		},
		Approval: ApprovalConfig{
			Store: "file",
			Path:  "faultline-data/approvals",
		},
		Knowledge: KnowledgeConfig{
			TopK:        5,
			CacheSize:   128,
			CacheTTL:    5 * time.Minute,
			EventWindow: 24 * time.Hour,
		},
		Planner: PlannerConfig{
			Kind:      "playbook",
			MaxTokens: 2048,
		},
		MetricsAddr: ":9090",
	}
}

// Load reads the engine configuration from path on top of Default().
// An empty path, or a path that does not exist, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, cfg.Validate()
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	inv := c.Investigation
	if inv.MaxRounds < 1 {
		return NewConfigError("investigation.max_rounds must be at least 1")
	}
	if inv.ConfidenceThreshold <= 0 || inv.ConfidenceThreshold > 1 {
		return NewConfigError("investigation.confidence_threshold must be in (0, 1]")
	}
	if inv.CaseSimilarity < 0 || inv.CaseSimilarity > 1 {
		return NewConfigError("investigation.case_similarity must be in [0, 1]")
	}
	for _, l := range inv.RequiredLayers {
		switch l {
		case "physical", "link", "network", "policy":
		default:
			return NewConfigError(fmt.Sprintf("investigation.required_layers: unknown layer %q", l))
		}
	}
	if inv.OnReject != "terminate" && inv.OnReject != "continue" {
		return NewConfigError(fmt.Sprintf("investigation.on_reject must be terminate or continue, got %q", inv.OnReject))
	}

	if c.Dispatch.Workers < 1 {
		return NewConfigError("dispatch.workers must be at least 1")
	}
	if c.Dispatch.TaskTimeout <= 0 {
		return NewConfigError("dispatch.task_timeout must be positive")
	}
	if c.Dispatch.DeviceRate < 0 {
		return NewConfigError("dispatch.device_rate must not be negative")
	}

	conf := c.Confidence
	if conf.Floor < 0 || conf.Floor >= conf.HistoricalBase || conf.HistoricalBase > conf.RealtimeBase || conf.RealtimeBase > 1 {
		return NewConfigError("confidence: need 0 <= floor < historical_base <= realtime_base <= 1")
	}
	if conf.DecayTimeConstant <= 0 {
		return NewConfigError("confidence.decay_time_constant must be positive")
	}

	switch c.Approval.Store {
	case "", "file", "sqlite":
		if c.Approval.Path == "" {
			return NewConfigError("approval.path must be set for file and sqlite stores")
		}
	case "redis":
		if c.Approval.RedisAddr == "" {
			return NewConfigError("approval.redis_addr must be set for the redis store")
		}
	default:
		return NewConfigError(fmt.Sprintf("approval.store must be file, sqlite or redis, got %q", c.Approval.Store))
	}

	if c.Knowledge.TopK < 1 {
		return NewConfigError("knowledge.top_k must be at least 1")
	}

	switch c.Planner.Kind {
	case "playbook":
	case "anthropic":
		if c.Planner.MaxTokens < 1 {
			return NewConfigError("planner.max_tokens must be at least 1")
		}
	default:
		return NewConfigError(fmt.Sprintf("planner.kind must be playbook or anthropic, got %q", c.Planner.Kind))
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint must be set when tracing is enabled")
	}

	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	message string
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *ConfigError {
	return &ConfigError{message: message}
}

// Error returns the error message
func (e *ConfigError) Error() string {
	return e.message
}
