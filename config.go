/************************************************************************************
 *
 * dgcore, connectivity core for a chat-platform client (gateway + REST)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dgcore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML-loadable configuration for a Client.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig holds the credentials and intent set a Client connects
// with.
type GatewayConfig struct {
	BotToken   string `yaml:"bot_token"`
	Intents    uint32 `yaml:"intents"`
	Compress   bool   `yaml:"compress"`
	ShardCount int    `yaml:"shard_count,omitempty"` // 0 means "use Discord's recommendation"

	// ApplicationID is optional: most gateway/REST operations never need
	// it, but webhook-style endpoints keyed by application rather than
	// bot token (e.g. interaction followups) require it.
	ApplicationID string `yaml:"application_id,omitempty"`
}

// ClientConfig holds REST client tuning values. New does not pass them to
// the REST client, which uses its own 30s timeout and maxRetries attempts.
type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// LoggingConfig controls the default logger's verbosity and destination.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// LoadConfig reads and parses a YAML configuration file, expanding
// ${VAR}/$VAR environment references before unmarshalling, so secrets like
// bot_token can be kept out of the file on disk.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dgcore: reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &ConfigurationError{Field: "<root>", Msg: err.Error()}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// DefaultConfig returns a configuration seeded from environment variables,
// for callers that don't want a YAML file at all.
func DefaultConfig() *Config {
	cfg := &Config{
		Gateway: GatewayConfig{
			BotToken:      os.Getenv("DGCORE_BOT_TOKEN"),
			ApplicationID: os.Getenv("DGCORE_APPLICATION_ID"),
			Compress:      true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.Client.Retries == 0 {
		c.Client.Retries = maxRetries
	}
	if c.Logging.Level == "" {
		c.Logging.Level = getEnvOrDefault("DGCORE_LOG_LEVEL", "info")
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// Validate checks that the configuration has everything a Client needs to
// start: a bot token at minimum.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.BotToken) == "" {
		return &ConfigurationError{Field: "gateway.bot_token", Msg: "bot token is required"}
	}
	if len(c.Gateway.BotToken) < 50 {
		return &ConfigurationError{Field: "gateway.bot_token", Msg: "bot token looks malformed"}
	}
	if c.Gateway.ShardCount < 0 {
		return &ConfigurationError{Field: "gateway.shard_count", Msg: "must not be negative"}
	}
	return nil
}

// logLevel maps the configured string level to a LogLevel, defaulting to
// info for an unrecognized value.
func (c *Config) logLevel() LogLevel {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return LogLevelDebugLevel
	case "warn", "warning":
		return LogLevelWarnLevel
	case "error":
		return LogLevelErrorLevel
	case "fatal":
		return LogLevelFatalLevel
	default:
		return LogLevelInfoLevel
	}
}

func (c *Config) logOutput() *os.File {
	if strings.EqualFold(c.Logging.Output, "stdout") {
		return os.Stdout
	}
	return os.Stderr
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
