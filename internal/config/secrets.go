package config

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const (
	keyringService = "tgmail"
	keyringPrefix  = "keyring:"
)

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(configDir(), "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("tgmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// SetSecret stores a secret in the keyring under name.
func SetSecret(name, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: name, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", name, err)
	}
	return nil
}

func (l *Loader) resolveSecrets(cfg *Config) error {
	var ring keyring.Keyring
	lookup := func(field, value string) (string, error) {
		name, ok := strings.CutPrefix(value, keyringPrefix)
		if !ok {
			return value, nil
		}
		if ring == nil {
			r, err := l.Keyring()
			if err != nil {
				return "", err
			}
			ring = r
		}
		item, err := ring.Get(name)
		if err != nil {
			return "", fmt.Errorf("%s: getting credential %q: %w", field, name, err)
		}
		return string(item.Data), nil
	}

	var err error
	if cfg.Telegram.Token, err = lookup("telegram.token", cfg.Telegram.Token); err != nil {
		return err
	}
	if cfg.Tracking.Secret, err = lookup("tracking.secret", cfg.Tracking.Secret); err != nil {
		return err
	}
	if cfg.AI.APIKey, err = lookup("ai.api_key", cfg.AI.APIKey); err != nil {
		return err
	}

	if cfg.AI.APIKey == "" && cfg.AI.APIKeyCmd != "" {
		out, err := exec.Command("sh", "-c", cfg.AI.APIKeyCmd).Output()
		if err != nil {
			return fmt.Errorf("failed to get API key: %w", err)
		}
		cfg.AI.APIKey = strings.TrimSpace(string(out))
	}
	return nil
}
