// Package config loads the transport's tunable constants (§6 of the
// spec) from YAML with environment-variable overrides, following the
// teacher's load-then-override-from-env convention.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"fragrpc/internal/utils"
)

// Config holds every tunable named in the spec's §6 "Tunable constants".
type Config struct {
	WindowSize               int           `yaml:"window_size" env:"FRAGRPC_WINDOW_SIZE"`
	MaxStagingFragments      int           `yaml:"max_staging_fragments" env:"FRAGRPC_MAX_STAGING_FRAGMENTS"`
	ReqAckAfter              int           `yaml:"req_ack_after" env:"FRAGRPC_REQ_ACK_AFTER"`
	FragmentTimeout          time.Duration `yaml:"fragment_timeout" env:"FRAGRPC_FRAGMENT_TIMEOUT"`
	SessionTimeout           time.Duration `yaml:"session_timeout" env:"FRAGRPC_SESSION_TIMEOUT"`
	MaxNumChannelsPerSession int           `yaml:"max_channels_per_session" env:"FRAGRPC_MAX_CHANNELS_PER_SESSION"`
	NumChannelsPerSession    int           `yaml:"server_channels_per_session" env:"FRAGRPC_SERVER_CHANNELS_PER_SESSION"`
	MaxRetransmitTimeouts    int           `yaml:"max_retransmit_timeouts" env:"FRAGRPC_MAX_RETRANSMIT_TIMEOUTS"`
	PacketLossPercentage     int           `yaml:"packet_loss_percentage" env:"FRAGRPC_PACKET_LOSS_PERCENTAGE"`
	MaxSessions              int           `yaml:"max_sessions" env:"FRAGRPC_MAX_SESSIONS"`
	LogLevel                 string        `yaml:"log_level" env:"FRAGRPC_LOG_LEVEL"`
}

// Default returns the spec's suggested defaults (internal/utils constants).
func Default() *Config {
	return &Config{
		WindowSize:               utils.WindowSize,
		MaxStagingFragments:      utils.MaxStagingFragments,
		ReqAckAfter:              utils.ReqAckAfter,
		FragmentTimeout:          utils.FragmentTimeout,
		SessionTimeout:           utils.SessionTimeout,
		MaxNumChannelsPerSession: utils.MaxNumChannelsPerSession,
		NumChannelsPerSession:    utils.NumChannelsPerSession,
		MaxRetransmitTimeouts:    utils.MaxRetransmitTimeouts,
		PacketLossPercentage:     0,
		MaxSessions:              utils.DefaultMaxSessions,
		LogLevel:                 "INFO",
	}
}

// Load reads a YAML config file, falling back to defaults for anything
// absent, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, utils.NewTransportError(utils.ErrConfigurationInvalid,
				"failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, utils.NewTransportError(utils.ErrConfigurationInvalid,
				"failed to parse config file", err)
		}
	}
	loadFromEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnvironment(cfg *Config) {
	if v := os.Getenv("FRAGRPC_WINDOW_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WindowSize = n
		}
	}
	if v := os.Getenv("FRAGRPC_MAX_STAGING_FRAGMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStagingFragments = n
		}
	}
	if v := os.Getenv("FRAGRPC_REQ_ACK_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReqAckAfter = n
		}
	}
	if v := os.Getenv("FRAGRPC_FRAGMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FragmentTimeout = d
		}
	}
	if v := os.Getenv("FRAGRPC_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTimeout = d
		}
	}
	if v := os.Getenv("FRAGRPC_MAX_CHANNELS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNumChannelsPerSession = n
		}
	}
	if v := os.Getenv("FRAGRPC_SERVER_CHANNELS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumChannelsPerSession = n
		}
	}
	if v := os.Getenv("FRAGRPC_MAX_RETRANSMIT_TIMEOUTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetransmitTimeouts = n
		}
	}
	if v := os.Getenv("FRAGRPC_PACKET_LOSS_PERCENTAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PacketLossPercentage = n
		}
	}
	if v := os.Getenv("FRAGRPC_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("FRAGRPC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the cross-field constraints the protocol depends on.
func (c *Config) Validate() error {
	if c.MaxStagingFragments <= 0 || c.MaxStagingFragments > 32 {
		return utils.NewConfigurationInvalidError(
			"max_staging_fragments must be in (0, 32] to fit the ACK staging_vector bitmask")
	}
	if c.WindowSize <= 0 {
		return utils.NewConfigurationInvalidError("window_size must be positive")
	}
	if c.ReqAckAfter <= 0 {
		return utils.NewConfigurationInvalidError("req_ack_after must be positive")
	}
	if c.NumChannelsPerSession <= 0 || c.NumChannelsPerSession > 255 {
		return utils.NewConfigurationInvalidError(
			"server_channels_per_session must fit the 8-bit channel_id field")
	}
	if c.MaxNumChannelsPerSession <= 0 || c.MaxNumChannelsPerSession > 255 {
		return utils.NewConfigurationInvalidError(
			"max_channels_per_session must fit the 8-bit channel_id field")
	}
	if c.PacketLossPercentage < 0 || c.PacketLossPercentage > 100 {
		return utils.NewConfigurationInvalidError("packet_loss_percentage must be in [0, 100]")
	}
	if c.MaxSessions <= 0 {
		return utils.NewConfigurationInvalidError("max_sessions must be positive")
	}
	return nil
}
