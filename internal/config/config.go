// Package config loads copilot settings from flags, COPILOT_* environment
// variables, an optional YAML file and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"policy-copilot/internal/logging"
)

const EnvPrefix = "COPILOT"

const (
	CheckpointMemory = "memory"
	CheckpointBadger = "badger"
)

var defaultKeywords = []string{"refund", "loan", "privacy", "ticket", "escalation", "policy"}

type Config struct {
	DataDir     string
	ProfilePath string
	EpisodePath string

	PolicyDir        string
	PolicyKeywords   []string
	MaxPolicyResults int

	Model         string
	Temperature   float64
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ParamPrefix   string

	Checkpoint     string
	CheckpointPath string

	UserID             string
	ThreadID           string
	MaxMessageLength   int
	MaxHistoryMessages int

	StateTable string

	Log logging.Config
}

// RegisterFlags adds every setting as a persistent flag so cobra commands can
// override it.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config file (default ./copilot.yaml or ~/.copilot/copilot.yaml)")

	fs.String("data-dir", "data", "Directory holding the profile store, episode log and checkpoints")
	fs.String("profile-path", "", "Profile store file (default <data-dir>/user_profiles.json)")
	fs.String("episode-path", "", "Episode log file (default <data-dir>/episodes.jsonl)")

	fs.String("policy-dir", "policies", "Directory of *.txt policy documents")
	fs.StringSlice("policy-keywords", defaultKeywords, "Keywords that force a policy search")
	fs.Int("max-policy-results", 3, "Maximum policy documents returned per search")

	fs.String("model", "gpt-4o-mini", "Chat model name")
	fs.Float64("temperature", 0.2, "Sampling temperature")
	fs.String("openai-api-key", "", "OpenAI API key (also OPENAI_API_KEY)")
	fs.String("openai-base-url", "", "OpenAI-compatible API base URL")
	fs.String("param-prefix", "", "SSM parameter prefix holding openai-api-key when no key is set")

	fs.String("checkpoint", CheckpointMemory, "Thread checkpointer (memory, badger)")
	fs.String("checkpoint-path", "", "Badger directory (default <data-dir>/threads)")

	fs.String("user-id", "demo-user-123", "Profile owner for this session")
	fs.String("thread-id", "", "Conversation thread (default: the user id)")
	fs.Int("max-message-length", 2000, "Maximum user message length in characters")
	fs.Int("max-history-messages", 40, "Maximum messages kept in a thread checkpoint")

	fs.String("state-table", "", "DynamoDB table read by the episodes command")

	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
	fs.String("log-file", "", "Additional rotated log file")
	fs.Bool("with-caller", false, "Log caller")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", "data")
	v.SetDefault("policy-dir", "policies")
	v.SetDefault("policy-keywords", defaultKeywords)
	v.SetDefault("max-policy-results", 3)
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("temperature", 0.2)
	v.SetDefault("checkpoint", CheckpointMemory)
	v.SetDefault("user-id", "demo-user-123")
	v.SetDefault("max-message-length", 2000)
	v.SetDefault("max-history-messages", 40)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// Load resolves the configuration. fs may be nil when no flags are in play.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("openai-api-key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("config: bind env: %w", err)
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("copilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.copilot")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := Config{
		DataDir:            v.GetString("data-dir"),
		ProfilePath:        v.GetString("profile-path"),
		EpisodePath:        v.GetString("episode-path"),
		PolicyDir:          v.GetString("policy-dir"),
		PolicyKeywords:     splitList(v.GetStringSlice("policy-keywords")),
		MaxPolicyResults:   v.GetInt("max-policy-results"),
		Model:              strings.TrimSpace(v.GetString("model")),
		Temperature:        v.GetFloat64("temperature"),
		OpenAIAPIKey:       strings.TrimSpace(v.GetString("openai-api-key")),
		OpenAIBaseURL:      v.GetString("openai-base-url"),
		ParamPrefix:        v.GetString("param-prefix"),
		Checkpoint:         strings.ToLower(v.GetString("checkpoint")),
		CheckpointPath:     v.GetString("checkpoint-path"),
		UserID:             strings.TrimSpace(v.GetString("user-id")),
		ThreadID:           strings.TrimSpace(v.GetString("thread-id")),
		MaxMessageLength:   v.GetInt("max-message-length"),
		MaxHistoryMessages: v.GetInt("max-history-messages"),
		StateTable:         v.GetString("state-table"),
		Log: logging.Config{
			Level:      v.GetString("log-level"),
			Format:     v.GetString("log-format"),
			File:       v.GetString("log-file"),
			WithCaller: v.GetBool("with-caller"),
		},
	}
	if cfg.ProfilePath == "" {
		cfg.ProfilePath = filepath.Join(cfg.DataDir, "user_profiles.json")
	}
	if cfg.EpisodePath == "" {
		cfg.EpisodePath = filepath.Join(cfg.DataDir, "episodes.jsonl")
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join(cfg.DataDir, "threads")
	}
	if cfg.ThreadID == "" {
		cfg.ThreadID = cfg.UserID
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Model == "":
		return errors.New("config: model must not be empty")
	case len(c.PolicyKeywords) == 0:
		return errors.New("config: at least one policy keyword is required")
	case c.MaxPolicyResults <= 0:
		return fmt.Errorf("config: max-policy-results must be positive, got %d", c.MaxPolicyResults)
	case c.MaxMessageLength <= 0:
		return fmt.Errorf("config: max-message-length must be positive, got %d", c.MaxMessageLength)
	case c.MaxHistoryMessages <= 0:
		return fmt.Errorf("config: max-history-messages must be positive, got %d", c.MaxHistoryMessages)
	case c.Temperature < 0 || c.Temperature > 2:
		return fmt.Errorf("config: temperature must be within [0, 2], got %g", c.Temperature)
	case c.Checkpoint != CheckpointMemory && c.Checkpoint != CheckpointBadger:
		return fmt.Errorf("config: unknown checkpoint kind %q", c.Checkpoint)
	}
	return nil
}

// ValidateGateway checks the settings needed to reach the language model.
// Commands that never call the model skip it.
func (c Config) ValidateGateway() error {
	if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
		return errors.New("config: set openai-api-key (or OPENAI_API_KEY) or param-prefix")
	}
	return nil
}

// splitList accepts both repeated values and comma-separated values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
