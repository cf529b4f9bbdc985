package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/loom-cli/internal/orchestrator"
	"github.com/sells-group/loom-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig         `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig     `yaml:"anthropic" mapstructure:"anthropic"`
	Engine    EngineConfig        `yaml:"engine" mapstructure:"engine"`
	Selector  SelectorConfig      `yaml:"selector" mapstructure:"selector"`
	Session   orchestrator.Config `yaml:"session" mapstructure:"session"`
	Server    ServerConfig        `yaml:"server" mapstructure:"server"`
	Log       LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// EngineConfig configures the generation source.
type EngineConfig struct {
	Type        string  `yaml:"type" mapstructure:"type"` // "claude_cli_sim" | "fake"
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	TopP        float64 `yaml:"top_p" mapstructure:"top_p"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// SelectorConfig configures the decision policy.
type SelectorConfig struct {
	Mode     string `yaml:"mode" mapstructure:"mode"` // "human" | "stateless" | "agentic"
	Model    string `yaml:"model" mapstructure:"model"`
	MaxTurns int    `yaml:"max_turns" mapstructure:"max_turns"`
}

// ServerConfig configures the read-only session API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "loom.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.type", "claude_cli_sim")
	v.SetDefault("engine.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("engine.temperature", 1.0)
	v.SetDefault("engine.top_p", 1.0)
	v.SetDefault("engine.rate_limit", 5)
	v.SetDefault("engine.rate_burst", 10)
	v.SetDefault("selector.mode", "human")
	v.SetDefault("selector.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("selector.max_turns", 8)
	v.SetDefault("session.branching_factor", 8)
	v.SetDefault("session.segment_tokens", 6)
	v.SetDefault("session.max_total_tokens", 1500)
	v.SetDefault("session.max_steps", 0)
	v.SetDefault("session.max_selector_retries", 3)
	v.SetDefault("session.recent_decisions", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command
// mode. It collects all problems rather than stopping at the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run":
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for postgres")
		}
		if c.Engine.Type == "claude_cli_sim" && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required for the claude_cli_sim engine")
		}
		if (c.Selector.Mode == "stateless" || c.Selector.Mode == "agentic") && c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required for model-backed selectors")
		}
		switch c.Selector.Mode {
		case "human", "stateless", "agentic":
		default:
			problems = append(problems, "selector.mode must be human, stateless, or agentic")
		}
		if c.Session.BranchingFactor < 1 || c.Session.BranchingFactor > 64 {
			problems = append(problems, "session.branching_factor must be between 1 and 64")
		}
		if c.Session.SegmentTokens < 1 {
			problems = append(problems, "session.segment_tokens must be >= 1")
		}
		if c.Session.MaxSelectorRetries < 0 {
			problems = append(problems, "session.max_selector_retries must be >= 0")
		}
		if c.Engine.Temperature < 0 || c.Engine.Temperature > 2 {
			problems = append(problems, "engine.temperature must be between 0 and 2")
		}
		if c.Engine.TopP < 0 || c.Engine.TopP > 1 {
			problems = append(problems, "engine.top_p must be between 0 and 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "sessions", "replay", "analyze":
		// Read-only commands only need a reachable store.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
