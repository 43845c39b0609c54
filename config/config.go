// Package config loads the proxy configuration from defaults, an optional
// YAML file, and environment variables, in that order; environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration snapshot, read-only after Load.
type Config struct {
	// Backend routing
	BackendMode     string `yaml:"backend_mode"`      // "openai" or "ollama"
	BackendBaseURL  string `yaml:"backend_base_url"`  // OpenAI-shaped backend base
	BackendChatPath string `yaml:"backend_chat_path"` // appended to the base URL
	BackendAPIKey   string `yaml:"backend_api_key"`
	OllamaBaseURL   string `yaml:"ollama_base_url"`

	// Server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Tools
	PassTools                   bool   `yaml:"pass_tools"`
	EnableToolReinjection       bool   `yaml:"enable_tool_reinjection"`
	ToolReinjectionMessageCount int    `yaml:"tool_reinjection_message_count"`
	ToolReinjectionTokenCount   int    `yaml:"tool_reinjection_token_count"`
	ToolReinjectionType         string `yaml:"tool_reinjection_type"` // "system", "user" or "" for automatic
	MaxToolIterations           int    `yaml:"max_tool_iterations"`

	// Performance
	MaxBufferSize           int           `yaml:"max_buffer_size"`        // request body cap
	MaxStreamBufferSize     int           `yaml:"max_stream_buffer_size"` // tool-call detection buffer cap
	ConnectionTimeout       time.Duration `yaml:"connection_timeout"`
	StreamConnectionTimeout time.Duration `yaml:"stream_connection_timeout"`

	// Detector tuning: extra element names treated as HTML prose.
	HTMLTags []string `yaml:"html_tags"`

	// Debug
	DebugMode bool `yaml:"debug_mode"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		BackendMode:                 "openai",
		BackendBaseURL:              "https://api.openai.com/v1",
		BackendChatPath:             "/chat/completions",
		OllamaBaseURL:               "http://localhost:11434",
		Host:                        "127.0.0.1",
		Port:                        8082,
		EnableToolReinjection:       true,
		ToolReinjectionMessageCount: 3,
		ToolReinjectionTokenCount:   1000,
		MaxToolIterations:           10,
		MaxBufferSize:               50 << 20,
		MaxStreamBufferSize:         1 << 20,
		ConnectionTimeout:           120 * time.Second,
		StreamConnectionTimeout:     120 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides config fields from the environment.
func applyEnv(cfg *Config) {
	cfg.BackendMode = getEnvOrDefault("BACKEND_MODE", cfg.BackendMode)
	cfg.BackendBaseURL = getEnvOrDefault("BACKEND_LLM_BASE_URL", cfg.BackendBaseURL)
	cfg.BackendChatPath = getEnvOrDefault("BACKEND_LLM_CHAT_PATH", cfg.BackendChatPath)
	cfg.BackendAPIKey = getEnvOrDefault("BACKEND_LLM_API_KEY", cfg.BackendAPIKey)
	cfg.OllamaBaseURL = getEnvOrDefault("OLLAMA_BASE_URL", cfg.OllamaBaseURL)

	cfg.Host = getEnvOrDefault("PROXY_HOST", cfg.Host)
	cfg.Port = getEnvInt("PROXY_PORT", cfg.Port)

	cfg.PassTools = getEnvBool("PASS_TOOLS", cfg.PassTools)
	cfg.EnableToolReinjection = getEnvBool("ENABLE_TOOL_REINJECTION", cfg.EnableToolReinjection)
	cfg.ToolReinjectionMessageCount = getEnvInt("TOOL_REINJECTION_MESSAGE_COUNT", cfg.ToolReinjectionMessageCount)
	cfg.ToolReinjectionTokenCount = getEnvInt("TOOL_REINJECTION_TOKEN_COUNT", cfg.ToolReinjectionTokenCount)
	cfg.ToolReinjectionType = getEnvOrDefault("TOOL_REINJECTION_TYPE", cfg.ToolReinjectionType)
	cfg.MaxToolIterations = getEnvInt("MAX_TOOL_ITERATIONS", cfg.MaxToolIterations)

	cfg.MaxBufferSize = getEnvInt("MAX_BUFFER_SIZE", cfg.MaxBufferSize)
	cfg.MaxStreamBufferSize = getEnvInt("MAX_STREAM_BUFFER_SIZE", cfg.MaxStreamBufferSize)
	cfg.ConnectionTimeout = getEnvDuration("CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	cfg.StreamConnectionTimeout = getEnvDuration("STREAM_CONNECTION_TIMEOUT", cfg.StreamConnectionTimeout)

	cfg.DebugMode = getEnvBool("DEBUG_MODE", cfg.DebugMode)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.BackendMode {
	case "openai", "ollama":
	default:
		return fmt.Errorf("invalid BACKEND_MODE %q: must be openai or ollama", c.BackendMode)
	}
	switch c.ToolReinjectionType {
	case "", "system", "user":
	default:
		return fmt.Errorf("invalid TOOL_REINJECTION_TYPE %q: must be system or user", c.ToolReinjectionType)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PROXY_PORT %d", c.Port)
	}
	if c.BackendMode == "openai" && c.BackendBaseURL == "" {
		return fmt.Errorf("BACKEND_LLM_BASE_URL is required in openai mode")
	}
	if c.OllamaBaseURL == "" {
		return fmt.Errorf("OLLAMA_BASE_URL must not be empty")
	}
	if c.MaxStreamBufferSize <= 0 {
		return fmt.Errorf("MAX_STREAM_BUFFER_SIZE must be positive")
	}
	return nil
}

// Environment variable parsing helpers

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are seconds, matching the documented defaults.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
