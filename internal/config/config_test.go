package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanorama-agent/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Agent.MaxThreads)
	assert.Equal(t, 10, cfg.Agent.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Agent.BatchDelay)
	assert.Equal(t, cfg.Agent.MaxThreads, cfg.QueueCapacity())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		file    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			file: "agent.yaml",
			content: `
server:
  url: https://authority.example.com
  agent_id: a1
  token: secret
  request_timeout: 30s
agent:
  max_threads: 25
  data_dir: /tmp/agent
  batch_delay: 0s
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "https://authority.example.com", cfg.Server.URL)
				assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
				assert.Equal(t, 25, cfg.Agent.MaxThreads)
				assert.Equal(t, 25, cfg.QueueCapacity())
				assert.Equal(t, time.Duration(0), cfg.Agent.BatchDelay)
				// untouched fields keep their defaults
				assert.Equal(t, 10, cfg.Agent.BatchSize)
			},
		},
		{
			name:    "valid json config",
			file:    "agent.json",
			content: `{"agent": {"max_threads": 4}, "logging": {"format": "json"}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Agent.MaxThreads)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name:    "invalid yaml syntax",
			file:    "agent.yaml",
			content: "agent:\n  max_threads: [",
			wantErr: true,
		},
		{
			name:    "zero threads rejected",
			file:    "agent.yaml",
			content: "agent:\n  max_threads: 0\n",
			wantErr: true,
		},
		{
			name:    "token without agent id rejected",
			file:    "agent.yaml",
			content: "server:\n  token: secret\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err), "config errors abort startup")
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}

	t.Run("missing named file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
	})

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Server.URL, cfg.Server.URL)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"bad url", func(c *Config) { c.Server.URL = "not a url" }, "server.url"},
		{"zero timeout", func(c *Config) { c.Server.RequestTimeout = 0 }, "server.request_timeout"},
		{"backoff max below base", func(c *Config) { c.Server.BackoffMax = time.Millisecond }, "server.backoff_max"},
		{"too many threads", func(c *Config) { c.Agent.MaxThreads = 5000 }, "agent.max_threads"},
		{"empty data dir", func(c *Config) { c.Agent.DataDir = "" }, "agent.data_dir"},
		{"zero batch size", func(c *Config) { c.Agent.BatchSize = 0 }, "agent.batch_size"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = ""
		}, "metrics.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, errors.CodeValidation, cfgErr.Code)
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = "/data"

	assert.Equal(t, "/data/scans", cfg.ScansDir())
	assert.Equal(t, "/data/logs", cfg.LogsDir())
	assert.Equal(t, "/data/conf", cfg.ConfDir())
	assert.Equal(t, "/data/conf/scanorama-services", cfg.ServicesPath())
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = filepath.Join(t.TempDir(), "data")

	require.NoError(t, cfg.EnsureDataDirs())
	// second call is a no-op
	require.NoError(t, cfg.EnsureDataDirs())

	for _, dir := range []string{cfg.ScansDir(), cfg.LogsDir(), cfg.ConfDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	t.Run("fails when data dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

		bad := Default()
		bad.Agent.DataDir = file
		err := bad.EnsureDataDirs()
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeDirectoryCreate))
	})
}

func TestLoadFileSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  agent_id: agent-1\n"), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", cfg.Server.AgentID)
	require.Error(t, cfg.Validate(), "token still missing")

	cfg.Server.Token = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestFieldPath(t *testing.T) {
	assert.Equal(t, "server.ignore_ssl_warn", fieldPath("Config.Server.IgnoreSSLWarn"))
	assert.Equal(t, "agent.max_threads", fieldPath("Config.Agent.MaxThreads"))
	assert.Equal(t, "server.url", fieldPath("Config.Server.URL"))
}
