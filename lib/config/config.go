// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "CHATBRIDGE_CONFIG"

// Config is the chatbridge configuration.
type Config struct {
	// Backend configures the connection to the chat backend.
	Backend BackendConfig `yaml:"backend"`

	// Account identifies the chat account to sign in as.
	Account AccountConfig `yaml:"account"`

	// State configures where per-account state is kept between runs.
	State StateConfig `yaml:"state"`

	// Sync tunes the synchronization engine.
	Sync SyncConfig `yaml:"sync"`
}

// BackendConfig configures the backend connection.
type BackendConfig struct {
	// SocketPath is the backend's Unix socket.
	// Default: ${XDG_RUNTIME_DIR:-/tmp}/chatbridge/backend.sock
	SocketPath string `yaml:"socket_path"`

	// QueueCapacity sizes the completion queue. Zero uses the
	// messaging package default.
	QueueCapacity int `yaml:"queue_capacity"`
}

// AccountConfig identifies the account.
type AccountConfig struct {
	Username string `yaml:"username"`

	// PasswordFile holds the password. When empty, the password is
	// prompted for on the terminal.
	PasswordFile string `yaml:"password_file"`

	// LoginAttempts bounds how many challenge codes are tried before
	// giving up. Default: 2
	LoginAttempts int `yaml:"login_attempts"`
}

// StateConfig configures persisted state.
type StateConfig struct {
	// Root is the base directory for state files.
	// Default: ${HOME}/.local/state/chatbridge
	Root string `yaml:"root"`

	// Database is the SQLite file holding per-account key/value state
	// (read watermarks). Default: ${CHATBRIDGE_STATE}/accounts.db
	Database string `yaml:"database"`

	// SessionKey is where the session key is stored, sealed to
	// Identity. Empty disables persistence.
	// Default: ${CHATBRIDGE_STATE}/session.age
	SessionKey string `yaml:"session_key"`

	// Identity is the age identity file that seals SessionKey. It is
	// generated on first use. Default: ${CHATBRIDGE_STATE}/identity.age
	Identity string `yaml:"identity"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	// Interval is the pause between ticks. Default: 5s
	Interval time.Duration `yaml:"interval"`

	// PageCap bounds fetches per conversation per tick. Default: 3
	PageCap int `yaml:"page_cap"`

	// Concurrency bounds conversations fetched at once. Default: 8
	Concurrency int `yaml:"concurrency"`

	// EchoWindow is how far a fetched message's timestamp may be from
	// the local send time and still count as the echo of that send.
	// Default: 1m
	EchoWindow time.Duration `yaml:"echo_window"`

	// EchoCapacity bounds remembered sends per conversation.
	// Default: 32
	EchoCapacity int `yaml:"echo_capacity"`
}

// Default returns the default configuration. Load and LoadFile start
// from it, so a file only needs the fields it changes.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			SocketPath: "${XDG_RUNTIME_DIR:-/tmp}/chatbridge/backend.sock",
		},
		Account: AccountConfig{
			LoginAttempts: 2,
		},
		State: StateConfig{
			Root:       "${HOME}/.local/state/chatbridge",
			Database:   "${CHATBRIDGE_STATE}/accounts.db",
			SessionKey: "${CHATBRIDGE_STATE}/session.age",
			Identity:   "${CHATBRIDGE_STATE}/identity.age",
		},
		Sync: SyncConfig{
			Interval:     5 * time.Second,
			PageCap:      3,
			Concurrency:  8,
			EchoWindow:   time.Minute,
			EchoCapacity: 32,
		},
	}
}

// Load loads configuration from the file named by CHATBRIDGE_CONFIG.
// There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your chatbridge.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over the defaults and expands
// ${HOME}, ${CHATBRIDGE_STATE}, and ${VAR:-default} in path fields.
// Environment variables never override config values directly.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables(filepath.Dir(path))
	return cfg, nil
}

// expandVariables expands variables in path fields. Relative password
// files resolve against the config file's directory.
func (c *Config) expandVariables(configDir string) {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.State.Root = expandVars(c.State.Root, vars)
	vars["CHATBRIDGE_STATE"] = c.State.Root

	c.Backend.SocketPath = expandVars(c.Backend.SocketPath, vars)
	c.State.Database = expandVars(c.State.Database, vars)
	c.State.SessionKey = expandVars(c.State.SessionKey, vars)
	c.State.Identity = expandVars(c.State.Identity, vars)
	c.Account.PasswordFile = expandVars(c.Account.PasswordFile, vars)

	if c.Account.PasswordFile != "" && !filepath.IsAbs(c.Account.PasswordFile) {
		c.Account.PasswordFile = filepath.Join(configDir, c.Account.PasswordFile)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns, checking vars
// before the environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.SocketPath == "" {
		errs = append(errs, errors.New("backend.socket_path is required"))
	}
	if c.Backend.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("backend.queue_capacity must not be negative, got %d", c.Backend.QueueCapacity))
	}
	if c.Account.Username == "" {
		errs = append(errs, errors.New("account.username is required"))
	}
	if c.Account.LoginAttempts < 1 {
		errs = append(errs, fmt.Errorf("account.login_attempts must be at least 1, got %d", c.Account.LoginAttempts))
	}
	if c.State.Database == "" {
		errs = append(errs, errors.New("state.database is required"))
	}
	if c.State.SessionKey != "" && c.State.Identity == "" {
		errs = append(errs, errors.New("state.identity is required when state.session_key is set"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.PageCap < 1 {
		errs = append(errs, fmt.Errorf("sync.page_cap must be at least 1, got %d", c.Sync.PageCap))
	}
	if c.Sync.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency))
	}
	if c.Sync.EchoWindow <= 0 {
		errs = append(errs, fmt.Errorf("sync.echo_window must be positive, got %s", c.Sync.EchoWindow))
	}
	if c.Sync.EchoCapacity < 1 {
		errs = append(errs, fmt.Errorf("sync.echo_capacity must be at least 1, got %d", c.Sync.EchoCapacity))
	}

	return errors.Join(errs...)
}
