package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the application configuration tree.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Cache      CacheConfig      `mapstructure:"cache"`
	ToolResult ToolResultConfig `mapstructure:"tool_result"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Workspace  string           `mapstructure:"workspace"`
}

// ServerConfig configures the HTTP + WebSocket server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local, production
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"` // stdout, stderr, or a file path (e.g. data/logs/server.log)
}

// LLMConfig configures the planning model endpoint.
type LLMConfig struct {
	Model        string   `mapstructure:"model"`
	BaseURL      string   `mapstructure:"base_url"`
	APIKey       string   `mapstructure:"api_key"`
	Temperature  float64  `mapstructure:"temperature"`
	MaxRetries   int      `mapstructure:"max_retries"`
	Thinking     bool     `mapstructure:"thinking"`
	ExcludeTools []string `mapstructure:"exclude_tools"`
}

// AgentConfig configures trace execution.
type AgentConfig struct {
	MaxTurns    int           `mapstructure:"max_turns"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// CacheConfig configures context assembly and compaction.
type CacheConfig struct {
	// ThresholdTokens triggers compaction; 0 disables it.
	ThresholdTokens    int     `mapstructure:"threshold_tokens"`
	KeepTailRatio      float64 `mapstructure:"keep_tail_ratio"`
	TargetAfterTokens  int     `mapstructure:"target_after_tokens"`
	MaxSummaryTokens   int     `mapstructure:"max_summary_tokens"`
	MaxResultCardChars int     `mapstructure:"max_result_card_chars"`
}

// ToolResultConfig configures externalization.
type ToolResultConfig struct {
	InlineLimit            int      `mapstructure:"inline_limit"`
	PreviewLimit           int      `mapstructure:"preview_limit"`
	RootDir                string   `mapstructure:"root_dir"`
	FSReadMaxChars         int      `mapstructure:"fs_read_max_chars"`
	AlwaysExternalizeTools []string `mapstructure:"always_externalize_tools"`
}

// DatabaseConfig selects the checkpoint persistence backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // memory, sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// Load reads configuration with layered precedence:
// defaults → ~/.stewardflow/config.yaml → ./config.yaml → STEWARDFLOW_* env.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config (API keys, endpoints)
	globalDir := filepath.Join(os.Getenv("HOME"), ".stewardflow")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: project-local overrides
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// Layer 3: environment overrides
	v.SetEnvPrefix("STEWARDFLOW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18700)
	v.SetDefault("server.mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.thinking", false)
	v.SetDefault("llm.exclude_tools", []string{"chrome-devtools_take_screenshot"})

	v.SetDefault("agent.max_turns", 100)
	v.SetDefault("agent.tool_timeout", "60s")

	v.SetDefault("cache.threshold_tokens", 20000)
	v.SetDefault("cache.keep_tail_ratio", 0.30)
	v.SetDefault("cache.target_after_tokens", 17000)
	v.SetDefault("cache.max_summary_tokens", 2000)
	v.SetDefault("cache.max_result_card_chars", 4000)

	v.SetDefault("tool_result.inline_limit", 500)
	v.SetDefault("tool_result.preview_limit", 500)
	v.SetDefault("tool_result.root_dir", "data/tool_results")
	v.SetDefault("tool_result.fs_read_max_chars", 4000)

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.dsn", "stewardflow.db")
}
