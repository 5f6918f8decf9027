// Package config loads tgmail settings from a YAML file, the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultPrompt is the instruction used for the automatic draft.
const DefaultPrompt = "You are a professional assistant. Write a polite, clear and concise " +
	"reply to the following email. Include greetings and a signature where appropriate."

// Config is the full tgmail configuration.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Gmail    GmailConfig    `mapstructure:"gmail" yaml:"gmail"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Tracking TrackingConfig `mapstructure:"tracking" yaml:"tracking"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token" yaml:"token"`
	ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
	// OperatorChatID receives error reports; defaults to ChatID.
	OperatorChatID int64 `mapstructure:"operator_chat_id" yaml:"operator_chat_id,omitempty"`
}

type GmailConfig struct {
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	TokenFile       string `mapstructure:"token_file" yaml:"token_file"`
}

type AIConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeyCmd string `mapstructure:"api_key_cmd" yaml:"api_key_cmd,omitempty"`
	MaxTokens int64  `mapstructure:"max_tokens" yaml:"max_tokens"`
}

type BridgeConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Language        string        `mapstructure:"language" yaml:"language"`
	DefaultPrompt   string        `mapstructure:"default_prompt" yaml:"default_prompt"`
	ForwardTo       []string      `mapstructure:"forward_to" yaml:"forward_to"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	MaxSessions     int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MinEditInterval time.Duration `mapstructure:"min_edit_interval" yaml:"min_edit_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type StateConfig struct {
	// Checkpoint is a .json file or a sqlite database path.
	Checkpoint string `mapstructure:"checkpoint" yaml:"checkpoint"`
}

type TrackingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Secret  string `mapstructure:"secret" yaml:"secret,omitempty"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// ValidationError lists settings that are missing or invalid.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// DefaultPath returns ~/.config/tgmail/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "tgmail", "config.yaml")
}

func configDir() string {
	return filepath.Dir(DefaultPath())
}

// legacyEnv maps settings to the environment variable names used by earlier
// deployments.
var legacyEnv = map[string]string{
	"telegram.token":    "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":  "TELEGRAM_CHAT_ID",
	"ai.api_key":        "ANTHROPIC_API_KEY",
	"tracking.enabled":  "ENABLE_PIXEL",
	"tracking.base_url": "PIXEL_BASE_URL",
	"tracking.secret":   "PIXEL_WEBHOOK_SECRET",
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, ".config", "tgmail")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.operator_chat_id", 0)
	v.SetDefault("gmail.credentials_file", filepath.Join(dir, "credentials.json"))
	v.SetDefault("gmail.token_file", filepath.Join(dir, "token.json"))
	v.SetDefault("ai.model", "claude-haiku-4-5-20251001")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.api_key_cmd", "")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("bridge.poll_interval", "15s")
	v.SetDefault("bridge.language", "it")
	v.SetDefault("bridge.default_prompt", DefaultPrompt)
	v.SetDefault("bridge.forward_to", []string{})
	v.SetDefault("bridge.workers", 8)
	v.SetDefault("bridge.max_sessions", 1000)
	v.SetDefault("bridge.min_edit_interval", "400ms")
	v.SetDefault("bridge.request_timeout", "60s")
	v.SetDefault("state.checkpoint", "")
	v.SetDefault("tracking.enabled", false)
	v.SetDefault("tracking.base_url", "")
	v.SetDefault("tracking.secret", "")
	v.SetDefault("tracking.listen", ":5000")
}

// Loader reads configuration and can watch the file for changes.
type Loader struct {
	path string
	v    *viper.Viper
	read bool

	// EnvFile is loaded into the environment before reading, if present.
	EnvFile string
	// Keyring opens the keyring used for "keyring:<name>" secrets.
	Keyring func() (keyring.Keyring, error)
}

// NewLoader returns a loader for the file at path. An empty path selects
// DefaultPath.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath()
	}
	return &Loader{
		path:    path,
		v:       viper.New(),
		EnvFile: ".env",
		Keyring: openKeyring,
	}
}

// Path returns the config file path.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file (if it exists), applies the environment and resolves
// secrets. It does not validate.
func (l *Loader) Load() (*Config, error) {
	if l.EnvFile != "" {
		if err := godotenv.Load(l.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", l.EnvFile, err)
		}
	}

	v := l.v
	v.SetConfigFile(l.path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("TGMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envName := "TGMAIL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envName, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	} else {
		l.read = true
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
	}
	cfg.Tracking.BaseURL = strings.TrimRight(cfg.Tracking.BaseURL, "/")

	if err := l.resolveSecrets(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch logs a notice whenever the config file changes. Running components
// keep their settings until restart.
func (l *Loader) Watch(logger *log.Logger) {
	if !l.read {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Warn("config file changed, restart to apply", "file", e.Name, "op", e.Op.String())
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var problems []string
	if c.Telegram.Token == "" {
		problems = append(problems, "telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		problems = append(problems, "telegram.chat_id is required")
	}
	if c.AI.APIKey == "" {
		problems = append(problems, "ai.api_key (or ai.api_key_cmd) is required")
	}
	if c.Bridge.PollInterval <= 0 {
		problems = append(problems, "bridge.poll_interval must be positive")
	}
	if c.Bridge.Workers <= 0 {
		problems = append(problems, "bridge.workers must be positive")
	}
	if c.Bridge.MaxSessions <= 0 {
		problems = append(problems, "bridge.max_sessions must be positive")
	}
	if c.Tracking.Enabled {
		if c.Tracking.Secret == "" {
			problems = append(problems, "tracking.secret is required when tracking is enabled")
		}
		if c.Tracking.BaseURL == "" {
			problems = append(problems, "tracking.base_url is required when tracking is enabled")
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
