package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
task_id: "task-1"
rl: "sft"
learning_rate: 1.0e-4
max_steps: 100
cleanlab: true
cleanlab_keep_frac: 0.9
embed_model: "BAAI/bge-small-en-v1.5"
some_future_key: "ignored"
`)

	m := NewManager(path)
	require.NoError(t, m.LoadConfig())

	cfg := m.GetConfig()
	assert.Equal(t, "task-1", cfg.TaskID)
	assert.Equal(t, 1.0e-4, cfg.LearningRate)
	assert.Equal(t, 100, cfg.MaxSteps)
	assert.Equal(t, 0.9, cfg.CleanlabKeepFrac)

	// defaults fill unset keys
	assert.Equal(t, "adamw_8bit", cfg.Optimizer)
	assert.Equal(t, 4, cfg.MicroBatchSize)
	assert.Equal(t, 3, cfg.SaveTotalLimit)
	assert.Equal(t, "eval_loss", cfg.MetricForBestModel)
}

func TestLoadConfigMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	err := m.LoadConfig()
	require.Error(t, err)
}

func TestValidateKeepFrac(t *testing.T) {
	for _, frac := range []float64{-0.5, 0, 1.5} {
		cfg := &Config{}
		applyDefaults(cfg)
		cfg.CleanlabKeepFrac = frac

		err := Validate(cfg)
		require.Error(t, err, "keep_frac %g should be rejected", frac)

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "cleanlab_keep_frac", cfgErr.Key)
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		key    string
		mutate func(*Config)
	}{
		{"max_steps", func(c *Config) { c.MaxSteps = -10 }},
		{"micro_batch_size", func(c *Config) { c.MicroBatchSize = 0 }},
		{"gradient_accumulation_steps", func(c *Config) { c.GradientAccumulationSteps = 0 }},
		{"learning_rate", func(c *Config) { c.LearningRate = -1 }},
		{"lora_dropout", func(c *Config) { c.LoraDropout = 1.0 }},
		{"warmup_steps", func(c *Config) { c.WarmupSteps = c.MaxSteps }},
		{"save_total_limit", func(c *Config) { c.SaveTotalLimit = -1 }},
		{"val_set_size", func(c *Config) { c.ValSetSize = 1.0 }},
		{"rl", func(c *Config) { c.RL = "ppo" }},
		{"required_finish_time", func(c *Config) { c.RequiredFinishTime = "tomorrow" }},
	}

	for _, tc := range cases {
		cfg := &Config{}
		applyDefaults(cfg)
		tc.mutate(cfg)

		err := Validate(cfg)
		require.Error(t, err, "case %s", tc.key)

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, tc.key, cfgErr.Key)
	}
}

func TestValidateEmbedModelRequired(t *testing.T) {
	cfg := &Config{Cleanlab: true}
	applyDefaults(cfg)
	cfg.EmbedModel = ""
	cfg.CleanlabKeepFrac = 0.8

	err := Validate(cfg)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "embed_model", cfgErr.Key)

	// pass-through runs never touch the embedder, so no model is needed
	cfg.CleanlabKeepFrac = 1.0
	assert.NoError(t, Validate(cfg))
}

func TestMetricDirection(t *testing.T) {
	assert.Equal(t, "minimize", (&Config{RL: "sft"}).MetricDirection())
	assert.Equal(t, "minimize", (&Config{RL: "dpo"}).MetricDirection())
	assert.Equal(t, "maximize", (&Config{RL: "grpo"}).MetricDirection())
}

func TestDeadline(t *testing.T) {
	cfg := &Config{}
	_, ok := cfg.Deadline()
	assert.False(t, ok)

	cfg.RequiredFinishTime = "2026-09-01T00:00:00Z"
	deadline, ok := cfg.Deadline()
	require.True(t, ok)
	assert.Equal(t, 2026, deadline.Year())
}
