package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, EnginePlaywright, cfg.Worker.Engine)
	assert.Equal(t, 30*time.Second, cfg.Worker.StartupTimeout)
	assert.Equal(t, ReleaseClose, cfg.Worker.ReleasePolicy)
	assert.Empty(t, cfg.Sandbox.Builtin)
	assert.Empty(t, cfg.Sandbox.External)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown engine", func(c *Config) { c.Worker.Engine = "gecko" }, "invalid worker engine"},
		{"remote url needs chromedp", func(c *Config) { c.Worker.RemoteURL = "ws://x" }, "remote_url requires"},
		{"remote url with chromedp", func(c *Config) {
			c.Worker.Engine = EngineChromedp
			c.Worker.RemoteURL = "ws://127.0.0.1:9222"
		}, ""},
		{"bad policy", func(c *Config) { c.Worker.ReleasePolicy = "never" }, "invalid release policy"},
		{"zero startup timeout", func(c *Config) { c.Worker.StartupTimeout = 0 }, "startup_timeout"},
		{"negative idle", func(c *Config) { c.Worker.IdleTimeout = -time.Second }, "cannot be negative"},
		{"negative sessions", func(c *Config) { c.Worker.MaxSessions = -1 }, "max_sessions"},
		{"redis without url", func(c *Config) { c.IPC.Transport = TransportRedis }, "requires redis_url"},
		{"redis with url", func(c *Config) {
			c.IPC.Transport = TransportRedis
			c.IPC.RedisURL = "redis://localhost:6379/0"
		}, ""},
		{"unknown transport", func(c *Config) { c.IPC.Transport = "carrier-pigeon" }, "invalid ipc transport"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid logging format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAllowBuiltin:                   "console, url ,",
		EnvAllowExternal:                  "lodash,@scope/*",
		"BROWSERSTEP_ENGINE":              "chromedp",
		"BROWSERSTEP_STARTUP_TIMEOUT":     "5s",
		"BROWSERSTEP_MAX_SESSIONS":        "4",
		"BROWSERSTEP_TRANSITIVE":          "true",
		"BROWSERSTEP_ACCOUNTING_BASE_URL": "https://billing.example.com",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, []string{"console", "url"}, cfg.Sandbox.Builtin)
	assert.Equal(t, []string{"lodash", "@scope/*"}, cfg.Sandbox.External)
	assert.Equal(t, EngineChromedp, cfg.Worker.Engine)
	assert.Equal(t, 5*time.Second, cfg.Worker.StartupTimeout)
	assert.Equal(t, 4, cfg.Worker.MaxSessions)
	assert.True(t, cfg.Sandbox.Transitive)
	assert.Equal(t, "https://billing.example.com", cfg.Accounting.BaseURL)
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "BROWSERSTEP_IDLE_TIMEOUT" {
			return "forever", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROWSERSTEP_IDLE_TIMEOUT")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "custom.yaml")
	content := `
worker:
  engine: chromedp
  startup_timeout: 10s
  release_policy: keep_warm
  keep_warm: 2m
sandbox:
  builtin: [console]
  external: [lodash]
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv(EnvAllowExternal, "dayjs")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EngineChromedp, cfg.Worker.Engine)
	assert.Equal(t, 10*time.Second, cfg.Worker.StartupTimeout)
	assert.Equal(t, ReleaseKeepWarm, cfg.Worker.ReleasePolicy)
	assert.Equal(t, 2*time.Minute, cfg.Worker.KeepWarm)
	assert.Equal(t, []string{"console"}, cfg.Sandbox.Builtin)
	assert.Equal(t, []string{"dayjs"}, cfg.Sandbox.External, "environment overrides the file")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, TransportStdio, cfg.IPC.Transport, "unset fields keep defaults")
}

func TestLoadMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Worker, cfg.Worker)

	_, err = Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BROWSERSTEP_RELEASE_POLICY=keep_warm\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("BROWSERSTEP_RELEASE_POLICY") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ReleaseKeepWarm, cfg.Worker.ReleasePolicy)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , "))
	assert.Equal(t, []string{"*"}, SplitList("*"))
}
