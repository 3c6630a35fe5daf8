package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8080"

// CLIConfig is what guardctl keeps between runs: the service address and the
// state left behind by the last login.
type CLIConfig struct {
	Address   string       `yaml:"address"`
	TLSCACert string       `yaml:"tls_ca_cert,omitempty"`
	Session   SessionState `yaml:"session,omitempty"`
}

// SessionState holds the bearer token and the CSRF token with the cookie
// value that goes with it. The CSRF pair is replayed into the cookie jar of
// later runs until it expires.
type SessionState struct {
	Email         string    `yaml:"email,omitempty"`
	Token         string    `yaml:"token,omitempty"`
	ExpiresAt     time.Time `yaml:"expires_at,omitempty"`
	CSRFToken     string    `yaml:"csrf_token,omitempty"`
	CSRFExpiresAt time.Time `yaml:"csrf_expires_at,omitempty"`
}

// bearer returns the stored token unless it has expired.
func (s SessionState) bearer(now time.Time) string {
	if s.Token == "" || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)) {
		return ""
	}
	return s.Token
}

// csrf returns the cached CSRF token unless it has expired.
func (s SessionState) csrf(now time.Time) string {
	if s.CSRFToken == "" || !now.Before(s.CSRFExpiresAt) {
		return ""
	}
	return s.CSRFToken
}

var cfg CLIConfig

// configPath returns the path to the CLI state file.
func configPath() string {
	if v := os.Getenv("GUARDCTL_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".apiguard", "config.yaml")
}

// loadConfig reads the state file. A missing file means defaults; a corrupt
// one is reported and ignored.
func loadConfig() {
	cfg = CLIConfig{Address: defaultAddress}
	data, err := os.ReadFile(configPath())
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring unreadable %s: %v\n", configPath(), err)
		cfg = CLIConfig{Address: defaultAddress}
		return
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
}

// saveConfig writes the state file readable only by the owner, since it
// carries credentials.
func saveConfig() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
