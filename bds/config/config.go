package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/bds-sentiment/bds"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Data      DataConfig      `mapstructure:"data"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Model     ModelConfig     `mapstructure:"model"`
	Training  TrainingConfig  `mapstructure:"training"`
	Output    OutputConfig    `mapstructure:"output"`
	Hub       HubConfig       `mapstructure:"hub"`
	Registry  RegistryConfig  `mapstructure:"registry"`
}

// DataConfig describes the labelled input table and how it is split.
type DataConfig struct {
	Path        string  `mapstructure:"path"`
	TextColumn  string  `mapstructure:"textColumn"`
	LabelColumn string  `mapstructure:"labelColumn"`
	TestSize    float64 `mapstructure:"testSize"`
	Seed        int64   `mapstructure:"seed"`
}

// TokenizerConfig stores tokenizer settings. An empty VocabPath selects the
// vocabulary shipped next to the backbone model, if any.
type TokenizerConfig struct {
	VocabPath string `mapstructure:"vocabPath"`
	MaxSeqLen int    `mapstructure:"maxSeqLen"`
	// Kind is "sugarme" or "wordpiece".
	Kind string `mapstructure:"kind"`
}

// ModelConfig selects the pretrained backbone and the head size.
type ModelConfig struct {
	Backbone string `mapstructure:"backbone"`
	Path     string `mapstructure:"path"`
	Dims     int    `mapstructure:"dims"`
	Hidden   int    `mapstructure:"hidden"`
	// ExecutionProvider and DeviceID only apply to the onnx backbone.
	ExecutionProvider string `mapstructure:"executionProvider"`
	DeviceID          int    `mapstructure:"deviceId"`
}

// TrainingConfig stores optimisation hyperparameters.
type TrainingConfig struct {
	Epochs         int     `mapstructure:"epochs"`
	TrainBatchSize int     `mapstructure:"trainBatchSize"`
	EvalBatchSize  int     `mapstructure:"evalBatchSize"`
	WarmupSteps    int     `mapstructure:"warmupSteps"`
	WeightDecay    float64 `mapstructure:"weightDecay"`
	LearningRate   float64 `mapstructure:"learningRate"`
	LoggingSteps   int     `mapstructure:"loggingSteps"`
	EvalStrategy   string  `mapstructure:"evalStrategy"`
	EvalSteps      int     `mapstructure:"evalSteps"`
	Seed           int64   `mapstructure:"seed"`
	Workers        int     `mapstructure:"workers"`
}

// OutputConfig stores where the artifact and progress logs go.
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	LogDir string `mapstructure:"logDir"`
}

// HubConfig stores model hub publishing settings.
type HubConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Endpoint       string   `mapstructure:"endpoint"`
	Account        string   `mapstructure:"account"`
	Repo           string   `mapstructure:"repo"`
	CommitMessage  string   `mapstructure:"commitMessage"`
	Token          string   `mapstructure:"token"`
	Private        bool     `mapstructure:"private"`
	IgnorePatterns []string `mapstructure:"ignorePatterns"`
	TimeoutSeconds int      `mapstructure:"timeoutSeconds"`
}

// RegistryConfig stores the run ledger location. An empty DSN disables it.
type RegistryConfig struct {
	DSN       string `mapstructure:"dsn"`
	AuthToken string `mapstructure:"authToken"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(strings.ToUpper(internal.DefaultAppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // hub.token becomes BDS_HUB_TOKEN
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// Default returns the configuration LoadConfig produces with no file and no
// environment overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.path", internal.DefaultDataPath)
	v.SetDefault("data.textColumn", internal.DefaultTextColumn)
	v.SetDefault("data.labelColumn", internal.DefaultLabelCol)
	v.SetDefault("data.testSize", 0.2)
	v.SetDefault("data.seed", 42)

	v.SetDefault("tokenizer.vocabPath", "")
	v.SetDefault("tokenizer.maxSeqLen", 512)
	v.SetDefault("tokenizer.kind", "wordpiece")

	v.SetDefault("model.backbone", "hash")
	v.SetDefault("model.path", "")
	v.SetDefault("model.dims", 384)
	v.SetDefault("model.hidden", 128)
	v.SetDefault("model.executionProvider", "cpu")
	v.SetDefault("model.deviceId", 0)

	v.SetDefault("training.epochs", 3)
	v.SetDefault("training.trainBatchSize", 8)
	v.SetDefault("training.evalBatchSize", 16)
	v.SetDefault("training.warmupSteps", 500)
	v.SetDefault("training.weightDecay", 0.01)
	v.SetDefault("training.learningRate", 5e-5)
	v.SetDefault("training.loggingSteps", 10)
	v.SetDefault("training.evalStrategy", "epoch")
	v.SetDefault("training.evalSteps", 0)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.workers", 4)

	v.SetDefault("output.dir", internal.DefaultOutputDir)
	v.SetDefault("output.logDir", internal.DefaultLogDir)

	v.SetDefault("hub.enabled", false)
	v.SetDefault("hub.endpoint", internal.DefaultHubEndpoint)
	v.SetDefault("hub.account", "")
	v.SetDefault("hub.repo", internal.DefaultHubRepo)
	v.SetDefault("hub.commitMessage", internal.DefaultHubCommitMessage)
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.private", false)
	v.SetDefault("hub.ignorePatterns", []string{})
	v.SetDefault("hub.timeoutSeconds", 300)

	v.SetDefault("registry.dsn", "")
	v.SetDefault("registry.authToken", "")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Data.TestSize <= 0 || c.Data.TestSize >= 1 {
		return fmt.Errorf("data.testSize must be in (0, 1), got %v", c.Data.TestSize)
	}
	if strings.TrimSpace(c.Data.TextColumn) == "" || strings.TrimSpace(c.Data.LabelColumn) == "" {
		return fmt.Errorf("data.textColumn and data.labelColumn cannot be empty")
	}
	if c.Tokenizer.MaxSeqLen < 2 {
		return fmt.Errorf("tokenizer.maxSeqLen must be at least 2, got %d", c.Tokenizer.MaxSeqLen)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.TrainBatchSize <= 0 || c.Training.EvalBatchSize <= 0 {
		return fmt.Errorf("training batch sizes must be positive")
	}
	switch strings.ToLower(c.Training.EvalStrategy) {
	case "epoch", "no":
	case "steps":
		if c.Training.EvalSteps <= 0 {
			return fmt.Errorf("training.evalSteps must be positive when evalStrategy is steps")
		}
	default:
		return fmt.Errorf("unknown training.evalStrategy %q", c.Training.EvalStrategy)
	}
	if c.Hub.Enabled && strings.TrimSpace(c.Hub.Account) == "" {
		return fmt.Errorf("hub.account is required when hub.enabled is true")
	}
	return nil
}
