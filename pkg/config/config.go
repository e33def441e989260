package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

// ConfigError reports an invalid or out-of-range value. It is surfaced before
// any filtering or training work begins and is never recovered.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config value for %q: %s", e.Key, e.Msg)
}

// Config mirrors the run config document produced by the task orchestrator.
// Unrecognized keys are ignored.
type Config struct {
	// Run identity, populated by the orchestrator, not user-edited.
	TaskID           string   `yaml:"task_id"`
	RL               string   `yaml:"rl"`
	ModelParamsCount int64    `yaml:"model_params_count"`
	Datasets         []string `yaml:"datasets"`
	OutputDir        string   `yaml:"output_dir"`

	Optimizer                 string  `yaml:"optimizer"`
	LearningRate              float64 `yaml:"learning_rate"`
	WeightDecay               float64 `yaml:"weight_decay"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	MicroBatchSize            int     `yaml:"micro_batch_size"`
	EvalBatchSize             int     `yaml:"eval_batch_size"`
	SequenceLen               int     `yaml:"sequence_len"`

	LoraR            int     `yaml:"lora_r"`
	LoraAlpha        int     `yaml:"lora_alpha"`
	LoraDropout      float64 `yaml:"lora_dropout"`
	LoraTargetLinear bool    `yaml:"lora_target_linear"`

	Beta       float64 `yaml:"beta"`
	UseNeftune bool    `yaml:"use_neftune"`

	MaxSteps       int `yaml:"max_steps"`
	WarmupSteps    int `yaml:"warmup_steps"`
	EvalSteps      int `yaml:"eval_steps"`
	SaveSteps      int `yaml:"save_steps"`
	LoggingSteps   int `yaml:"logging_steps"`
	SaveTotalLimit int `yaml:"save_total_limit"`

	EarlyStopping         bool   `yaml:"early_stopping"`
	EarlyStoppingPatience int    `yaml:"early_stopping_patience"`
	MetricForBestModel    string `yaml:"metric_for_best_model"`

	Cleanlab         bool    `yaml:"cleanlab"`
	CleanlabKeepFrac float64 `yaml:"cleanlab_keep_frac"`
	EmbedModel       string  `yaml:"embed_model"`
	EmbedBatch       int     `yaml:"embed_batch"`

	DataloaderNumWorkers int     `yaml:"dataloader_num_workers"`
	ValSetSize           float64 `yaml:"val_set_size"`

	RequiredFinishTime string `yaml:"required_finish_time"`

	EmbeddingService EmbeddingService `yaml:"embedding_service"`
	Tracking         Tracking         `yaml:"tracking"`
	Metrics          Metrics          `yaml:"metrics"`
}

type EmbeddingService struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"`
}

type Tracking struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Metrics struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

type Manager struct {
	config     *Config
	configPath string
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

func (m *Manager) LoadConfig() error {
	if m.configPath == "" {
		m.configPath = GetDefaultConfigPath()
	}

	if DebugLog != nil {
		DebugLog("loading run config from %s", m.configPath)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found at %s. Please create one based on config.yaml.example", m.configPath)
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return err
	}

	m.config = &config
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func applyDefaults(cfg *Config) {
	if cfg.Optimizer == "" {
		cfg.Optimizer = "adamw_8bit"
	}
	if cfg.RL == "" {
		cfg.RL = "sft"
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 2e-4
	}
	if cfg.GradientAccumulationSteps == 0 {
		cfg.GradientAccumulationSteps = 1
	}
	if cfg.MicroBatchSize == 0 {
		cfg.MicroBatchSize = 4
	}
	if cfg.EvalBatchSize == 0 {
		cfg.EvalBatchSize = cfg.MicroBatchSize
	}
	if cfg.SequenceLen == 0 {
		cfg.SequenceLen = 2048
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = 8000
	}
	if cfg.EvalSteps == 0 {
		cfg.EvalSteps = 50
	}
	if cfg.SaveSteps == 0 {
		cfg.SaveSteps = 500
	}
	if cfg.LoggingSteps == 0 {
		cfg.LoggingSteps = 10
	}
	if cfg.SaveTotalLimit == 0 {
		cfg.SaveTotalLimit = 3
	}
	if cfg.EarlyStoppingPatience == 0 {
		cfg.EarlyStoppingPatience = 3
	}
	if cfg.MetricForBestModel == "" {
		cfg.MetricForBestModel = "eval_loss"
	}
	if cfg.CleanlabKeepFrac == 0 {
		cfg.CleanlabKeepFrac = 0.9
	}
	if cfg.EmbedBatch == 0 {
		cfg.EmbedBatch = 32
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./outputs"
	}
	if cfg.EmbeddingService.Timeout == 0 {
		cfg.EmbeddingService.Timeout = 60
	}
}

// Validate checks every numeric bound before any training work begins.
func Validate(cfg *Config) error {
	if cfg.CleanlabKeepFrac <= 0 || cfg.CleanlabKeepFrac > 1 {
		return &ConfigError{Key: "cleanlab_keep_frac", Msg: fmt.Sprintf("must be in (0,1], got %g", cfg.CleanlabKeepFrac)}
	}
	if cfg.MaxSteps <= 0 {
		return &ConfigError{Key: "max_steps", Msg: fmt.Sprintf("must be positive, got %d", cfg.MaxSteps)}
	}
	if cfg.MicroBatchSize < 1 {
		return &ConfigError{Key: "micro_batch_size", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.MicroBatchSize)}
	}
	if cfg.EvalBatchSize < 1 {
		return &ConfigError{Key: "eval_batch_size", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.EvalBatchSize)}
	}
	if cfg.GradientAccumulationSteps < 1 {
		return &ConfigError{Key: "gradient_accumulation_steps", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.GradientAccumulationSteps)}
	}
	if cfg.EmbedBatch < 1 {
		return &ConfigError{Key: "embed_batch", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.EmbedBatch)}
	}
	if cfg.LearningRate <= 0 {
		return &ConfigError{Key: "learning_rate", Msg: fmt.Sprintf("must be positive, got %g", cfg.LearningRate)}
	}
	if cfg.WeightDecay < 0 {
		return &ConfigError{Key: "weight_decay", Msg: fmt.Sprintf("must be >= 0, got %g", cfg.WeightDecay)}
	}
	if cfg.LoraR < 0 {
		return &ConfigError{Key: "lora_r", Msg: fmt.Sprintf("must be >= 0, got %d", cfg.LoraR)}
	}
	if cfg.LoraDropout < 0 || cfg.LoraDropout >= 1 {
		return &ConfigError{Key: "lora_dropout", Msg: fmt.Sprintf("must be in [0,1), got %g", cfg.LoraDropout)}
	}
	if cfg.WarmupSteps < 0 || cfg.WarmupSteps >= cfg.MaxSteps {
		return &ConfigError{Key: "warmup_steps", Msg: fmt.Sprintf("must be in [0, max_steps), got %d", cfg.WarmupSteps)}
	}
	if cfg.EvalSteps < 1 {
		return &ConfigError{Key: "eval_steps", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.EvalSteps)}
	}
	if cfg.SaveSteps < 1 {
		return &ConfigError{Key: "save_steps", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.SaveSteps)}
	}
	if cfg.SaveTotalLimit < 1 {
		return &ConfigError{Key: "save_total_limit", Msg: fmt.Sprintf("must be >= 1, got %d", cfg.SaveTotalLimit)}
	}
	if cfg.EarlyStopping && cfg.EarlyStoppingPatience < 1 {
		return &ConfigError{Key: "early_stopping_patience", Msg: fmt.Sprintf("must be >= 1 when early_stopping is enabled, got %d", cfg.EarlyStoppingPatience)}
	}
	if cfg.ValSetSize < 0 || cfg.ValSetSize >= 1 {
		return &ConfigError{Key: "val_set_size", Msg: fmt.Sprintf("must be in [0,1), got %g", cfg.ValSetSize)}
	}
	if cfg.DataloaderNumWorkers < 0 {
		return &ConfigError{Key: "dataloader_num_workers", Msg: fmt.Sprintf("must be >= 0, got %d", cfg.DataloaderNumWorkers)}
	}
	if cfg.Beta < 0 {
		return &ConfigError{Key: "beta", Msg: fmt.Sprintf("must be >= 0, got %g", cfg.Beta)}
	}
	if cfg.Cleanlab && cfg.CleanlabKeepFrac < 1 && cfg.EmbedModel == "" {
		return &ConfigError{Key: "embed_model", Msg: "required when cleanlab filtering is enabled"}
	}
	switch cfg.RL {
	case "sft", "dpo", "grpo":
	default:
		return &ConfigError{Key: "rl", Msg: fmt.Sprintf("unknown task type %q", cfg.RL)}
	}
	if cfg.RequiredFinishTime != "" {
		if _, err := time.Parse(time.RFC3339, cfg.RequiredFinishTime); err != nil {
			return &ConfigError{Key: "required_finish_time", Msg: fmt.Sprintf("not an RFC3339 timestamp: %v", err)}
		}
	}
	return nil
}

// Deadline returns the requested finish time, if any. Validate has already
// checked the format, so a parse failure here means no deadline was set.
func (c *Config) Deadline() (time.Time, bool) {
	if c.RequiredFinishTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, c.RequiredFinishTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// MetricDirection reports how the monitored metric improves. GRPO reward is
// maximized, sft and dpo losses are minimized.
func (c *Config) MetricDirection() string {
	if c.RL == "grpo" {
		return "maximize"
	}
	return "minimize"
}
