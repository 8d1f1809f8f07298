// File: internal/config/config_test.go
package config

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "repoagent", cfg.Logger().ServiceName)
	assert.Equal(t, 20, cfg.Agent().MaxIters)
	assert.Equal(t, 12, cfg.Agent().MaxHistory)
	assert.Equal(t, 3, cfg.Agent().LoopTripwire)
	assert.Equal(t, TestOnWrite, cfg.Agent().TestPolicy)
	assert.Equal(t, 120*time.Second, cfg.Agent().TestTimeout)
	assert.True(t, cfg.Reflection().Enable)
	assert.Equal(t, 5, cfg.Reflection().MaxReflections)
	assert.Equal(t, 5, cfg.Reflection().DedupWindow)
	assert.Equal(t, 8, cfg.Reflection().HistoryWindow)
	assert.Equal(t, 4, cfg.Rollout().Rollouts)
	assert.Equal(t, 42, cfg.Rollout().BaseSeed)
	assert.InDelta(t, 0.7, float64(cfg.Rollout().Temperature), 1e-6)
	assert.Equal(t, WriteOverwrite, cfg.Rollout().WriteMode)
	assert.Equal(t, SandboxCopy, cfg.Sandbox().Mode)
	assert.Equal(t, 2*time.Minute, cfg.Backoff().MaxElapsed)
	assert.Empty(t, cfg.Database().URL)

	require.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero max iters", func(c *Config) { c.AgentCfg.MaxIters = 0 }, "max_iters must be a positive integer"},
		{"bad test policy", func(c *Config) { c.AgentCfg.TestPolicy = "always" }, "test_policy must be one of"},
		{"tripwire too small", func(c *Config) { c.AgentCfg.LoopTripwire = 1 }, "loop_tripwire must be at least 2"},
		{"unknown provider", func(c *Config) { c.LLMCfg.Provider = "mystery" }, "unsupported provider"},
		{"temperature out of range", func(c *Config) { c.LLMCfg.Temperature = 3 }, "temperature must be between"},
		{"no workers", func(c *Config) { c.RolloutCfg.Workers = 0 }, "workers must be a positive integer"},
		{"no rollouts", func(c *Config) { c.RolloutCfg.Rollouts = 0 }, "rollouts must be a positive integer"},
		{"bad write mode", func(c *Config) { c.RolloutCfg.WriteMode = "truncate" }, "write_mode must be overwrite or append"},
		{"bad sandbox mode", func(c *Config) { c.SandboxCfg.Mode = "docker" }, "sandbox.mode must be one of"},
		{"negative retries", func(c *Config) { c.BackoffCfg.MaxRetries = -1 }, "max_retries cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("disabled reflection skips checks", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.ReflectionCfg.Enable = false
		cfg.ReflectionCfg.MaxReflections = -3
		assert.NoError(t, cfg.Validate())
	})
}

func TestTestPolicyValid(t *testing.T) {
	assert.True(t, TestOnWrite.Valid())
	assert.True(t, TestOnFinal.Valid())
	assert.True(t, TestNever.Valid())
	assert.False(t, TestPolicy("").Valid())
}

func TestDefaultMetaPath(t *testing.T) {
	assert.Equal(t, filepath.Join("runs", "prefs", "dpo_dataset_meta.jsonl"), DefaultMetaPath("runs/prefs/dpo_dataset.jsonl"))
	assert.Equal(t, "pairs_meta.jsonl", DefaultMetaPath("pairs.jsonl"))

	r := RolloutConfig{OutPath: "out/x.jsonl"}
	assert.Equal(t, filepath.Join("out", "x_meta.jsonl"), r.ResolvedMetaPath())
	r.MetaPath = "custom.jsonl"
	assert.Equal(t, "custom.jsonl", r.ResolvedMetaPath())
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
agent:
  max_iters: 7
  test_policy: on_final
rollout:
  workers: 3
llm:
  provider: together
  model: meta-llama/Llama-3.3-70B-Instruct-Turbo
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Agent().MaxIters)
		assert.Equal(t, TestOnFinal, cfg.Agent().TestPolicy)
		assert.Equal(t, 3, cfg.Rollout().Workers)
		assert.Equal(t, ProviderTogether, cfg.LLM().Provider)
		// Defaults survive alongside file values.
		assert.Equal(t, 12, cfg.Agent().MaxHistory)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("rollout.workers", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "workers must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
database:
  url: "postgres://configfile/db"
`)))

		t.Setenv("REPOAGENT_LLM_API_KEY", "sk-env")
		t.Setenv("REPOAGENT_DATABASE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "sk-env", cfg.LLM().APIKey)
		assert.Equal(t, "postgres://envvar/db", cfg.Database().URL)
	})

	t.Run("Provider key fallback", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("llm.provider", "gemini")
		t.Setenv("REPOAGENT_LLM_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "gem-key", cfg.LLM().APIKey)
	})

	t.Run("Home directory expansion", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("HOME", home)
		homedir.DisableCache = true
		t.Cleanup(func() { homedir.DisableCache = false })

		v := viper.New()
		SetDefaults(v)
		v.Set("eval.trace_dir", "~/traces")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "traces"), cfg.Eval().TraceDir)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetAgentMaxIters(3)
	cfg.SetAgentTestPolicy(TestNever)
	cfg.SetRolloutCount(8)
	cfg.SetRolloutWorkers(5)

	assert.Equal(t, 3, cfg.Agent().MaxIters)
	assert.Equal(t, TestNever, cfg.Agent().TestPolicy)
	assert.Equal(t, 8, cfg.Rollout().Rollouts)
	assert.Equal(t, 5, cfg.Rollout().Workers)
}
