package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// bridgeFile mirrors BridgeConfig with durations written as "15s" strings.
type bridgeFile struct {
	PollInterval    string   `yaml:"poll_interval"`
	Language        string   `yaml:"language"`
	DefaultPrompt   string   `yaml:"default_prompt"`
	ForwardTo       []string `yaml:"forward_to"`
	Workers         int      `yaml:"workers"`
	MaxSessions     int      `yaml:"max_sessions"`
	MinEditInterval string   `yaml:"min_edit_interval"`
	RequestTimeout  string   `yaml:"request_timeout"`
}

type file struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Gmail    GmailConfig    `yaml:"gmail"`
	AI       AIConfig       `yaml:"ai"`
	Bridge   bridgeFile     `yaml:"bridge"`
	State    StateConfig    `yaml:"state"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// Save writes cfg to path as YAML, readable only by the owner.
func Save(path string, cfg *Config) error {
	f := file{
		Telegram: cfg.Telegram,
		Gmail:    cfg.Gmail,
		AI:       cfg.AI,
		State:    cfg.State,
		Tracking: cfg.Tracking,
		Bridge: bridgeFile{
			PollInterval:    cfg.Bridge.PollInterval.String(),
			Language:        cfg.Bridge.Language,
			DefaultPrompt:   cfg.Bridge.DefaultPrompt,
			ForwardTo:       cfg.Bridge.ForwardTo,
			Workers:         cfg.Bridge.Workers,
			MaxSessions:     cfg.Bridge.MaxSessions,
			MinEditInterval: cfg.Bridge.MinEditInterval.String(),
			RequestTimeout:  cfg.Bridge.RequestTimeout.String(),
		},
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Defaults returns the built-in settings, ignoring files and environment.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return &cfg, nil
}
