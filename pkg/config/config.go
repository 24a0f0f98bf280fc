package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/entrhq/browserstep/pkg/logging"
)

// Engine names accepted by worker.engine.
const (
	EnginePlaywright = "playwright"
	EngineChromedp   = "chromedp"
)

// Release policies applied by check.
const (
	ReleaseClose    = "close"
	ReleaseKeepWarm = "keep_warm"
)

// Transports accepted by ipc.transport.
const (
	TransportStdio = "stdio"
	TransportRedis = "redis"
)

// Config is the process configuration for both the caller and the worker.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Accounting AccountingConfig `yaml:"accounting" json:"accounting"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
	IPC        IPCConfig        `yaml:"ipc" json:"ipc"`
}

// WorkerConfig configures the automation worker.
type WorkerConfig struct {
	// Engine is playwright or chromedp.
	Engine string `yaml:"engine" json:"engine"`

	// RemoteURL attaches the chromedp engine to an already running browser
	// instead of starting one.
	RemoteURL string `yaml:"remote_url" json:"remote_url"`

	// InstallBrowsers downloads the playwright driver and browsers on start.
	InstallBrowsers bool `yaml:"install_browsers" json:"install_browsers"`

	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval" json:"reap_interval"`

	// ReleasePolicy is close or keep_warm.
	ReleasePolicy string        `yaml:"release_policy" json:"release_policy"`
	KeepWarm      time.Duration `yaml:"keep_warm" json:"keep_warm"`

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	// StatusAddr enables the status HTTP server when set, e.g. 127.0.0.1:9464.
	StatusAddr string `yaml:"status_addr" json:"status_addr"`
}

// SandboxConfig is the module allow-list for user scripts.
type SandboxConfig struct {
	Builtin     []string `yaml:"builtin" json:"builtin"`
	External    []string `yaml:"external" json:"external"`
	Transitive  bool     `yaml:"transitive" json:"transitive"`
	ModulesRoot string   `yaml:"modules_root" json:"modules_root"`
}

// AccountingConfig configures usage reporting.
type AccountingConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	APIKey  string        `yaml:"api_key" json:"api_key"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// IPCConfig configures the channel between caller and worker.
type IPCConfig struct {
	// Transport is stdio or redis.
	Transport string `yaml:"transport" json:"transport"`

	RedisURL string        `yaml:"redis_url" json:"redis_url"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	ReplyTTL time.Duration `yaml:"reply_ttl" json:"reply_ttl"`

	// WorkerPath is the binary spawned as the worker. Empty means this executable.
	WorkerPath string `yaml:"worker_path" json:"worker_path"`

	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Engine:         EnginePlaywright,
			StartupTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
			ReapInterval:   30 * time.Second,
			ReleasePolicy:  ReleaseClose,
			KeepWarm:       time.Minute,
		},
		Accounting: AccountingConfig{
			Timeout: 10 * time.Second,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "human",
		},
		IPC: IPCConfig{
			Transport:    TransportStdio,
			Prefix:       "browserstep",
			ReplyTTL:     time.Minute,
			CheckTimeout: 30 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Worker.Engine {
	case EnginePlaywright, EngineChromedp:
	default:
		return fmt.Errorf("invalid worker engine: %s (must be 'playwright' or 'chromedp')", c.Worker.Engine)
	}

	if c.Worker.RemoteURL != "" && c.Worker.Engine != EngineChromedp {
		return fmt.Errorf("remote_url requires the chromedp engine")
	}

	switch c.Worker.ReleasePolicy {
	case ReleaseClose, ReleaseKeepWarm:
	default:
		return fmt.Errorf("invalid release policy: %s (must be 'close' or 'keep_warm')", c.Worker.ReleasePolicy)
	}

	if c.Worker.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive")
	}

	if c.Worker.IdleTimeout < 0 || c.Worker.KeepWarm < 0 || c.Worker.ReapInterval < 0 {
		return fmt.Errorf("worker durations cannot be negative")
	}

	if c.Worker.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}

	if c.Accounting.Timeout < 0 || c.IPC.CheckTimeout < 0 || c.IPC.ReplyTTL < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	switch c.IPC.Transport {
	case TransportStdio:
	case TransportRedis:
		if c.IPC.RedisURL == "" {
			return fmt.Errorf("redis transport requires redis_url")
		}
		if _, err := url.Parse(c.IPC.RedisURL); err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
		if c.IPC.Prefix == "" {
			return fmt.Errorf("redis transport requires a key prefix")
		}
	default:
		return fmt.Errorf("invalid ipc transport: %s (must be 'stdio' or 'redis')", c.IPC.Transport)
	}

	switch c.Logging.Format {
	case "", "human", "json":
	default:
		return fmt.Errorf("invalid logging format: %s (must be 'human' or 'json')", c.Logging.Format)
	}

	return nil
}
