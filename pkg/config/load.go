package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is searched in the working directory when no path is given.
const DefaultFile = "browserstep.yaml"

// Environment variables read by ApplyEnv.
const (
	EnvAllowBuiltin  = "NODE_FUNCTION_ALLOW_BUILTIN"
	EnvAllowExternal = "NODE_FUNCTION_ALLOW_EXTERNAL"
	envPrefix        = "BROWSERSTEP_"
)

// Load reads the configuration from path (or DefaultFile when path is empty
// and the file exists), then .env, then the environment, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAllowBuiltin); ok {
		c.Sandbox.Builtin = SplitList(v)
	}
	if v, ok := lookup(EnvAllowExternal); ok {
		c.Sandbox.External = SplitList(v)
	}

	strs := map[string]*string{
		"ENGINE":              &c.Worker.Engine,
		"REMOTE_URL":          &c.Worker.RemoteURL,
		"RELEASE_POLICY":      &c.Worker.ReleasePolicy,
		"STATUS_ADDR":         &c.Worker.StatusAddr,
		"MODULES_ROOT":        &c.Sandbox.ModulesRoot,
		"ACCOUNTING_BASE_URL": &c.Accounting.BaseURL,
		"API_KEY":             &c.Accounting.APIKey,
		"TRANSPORT":           &c.IPC.Transport,
		"REDIS_URL":           &c.IPC.RedisURL,
		"REDIS_PREFIX":        &c.IPC.Prefix,
		"WORKER_PATH":         &c.IPC.WorkerPath,
		"LOG_LEVEL":           &c.Logging.Level,
		"LOG_FORMAT":          &c.Logging.Format,
		"LOG_DIR":             &c.Logging.Dir,
	}
	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"STARTUP_TIMEOUT": &c.Worker.StartupTimeout,
		"IDLE_TIMEOUT":    &c.Worker.IdleTimeout,
		"KEEP_WARM":       &c.Worker.KeepWarm,
		"CHECK_TIMEOUT":   &c.IPC.CheckTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := lookup(envPrefix + "MAX_SESSIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_SESSIONS: %w", envPrefix, err)
		}
		c.Worker.MaxSessions = n
	}
	if v, ok := lookup(envPrefix + "TRANSITIVE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRANSITIVE: %w", envPrefix, err)
		}
		c.Sandbox.Transitive = b
	}
	return nil
}

// SplitList splits a comma separated allow-list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
