package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Spam handling modes for messages from strangers.
const (
	SpamModeDisabled  = "disabled"
	SpamModeBlock     = "block"
	SpamModeChallenge = "challenge"
)

// Security modes for one-to-one conversations.
const (
	SecurityModeNone     = "none"
	SecurityModeRequired = "required"
)

// Config represents the global ~/.chatd/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`

	Accounts      []Account     `toml:"accounts"`
	Notifications Notifications `toml:"notifications"`
	Spam          Spam          `toml:"spam"`
	Security      Security      `toml:"security"`
	Storage       Storage       `toml:"storage"`
}

// Account is one configured chat account.
type Account struct {
	JID  string `toml:"jid"`
	Nick string `toml:"nick"`
}

// Notifications controls which incoming messages raise alerts.
type Notifications struct {
	OnChat  bool `toml:"on_chat"`
	OnGroup bool `toml:"on_group"`
}

// Spam controls how first contact from strangers is treated.
type Spam struct {
	Mode string `toml:"mode"`
}

// Security controls the encryption policy for one-to-one conversations.
type Security struct {
	Mode string `toml:"mode"`
}

// Storage points at the database directory. Empty means the profile dir.
type Storage struct {
	Dir string `toml:"dir"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Notifications: Notifications{OnChat: true, OnGroup: true},
		Spam:          Spam{Mode: SpamModeDisabled},
		Security:      Security{Mode: SecurityModeNone},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown mode values.
func (c *Config) Validate() error {
	switch c.Spam.Mode {
	case "", SpamModeDisabled, SpamModeBlock, SpamModeChallenge:
	default:
		return fmt.Errorf("invalid spam mode %q", c.Spam.Mode)
	}
	switch c.Security.Mode {
	case "", SecurityModeNone, SecurityModeRequired:
	default:
		return fmt.Errorf("invalid security mode %q", c.Security.Mode)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
