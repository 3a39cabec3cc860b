package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvHome overrides the state directory.
	EnvHome = "NOLAN_HOME"
	// EnvListen overrides Settings.Listen.
	EnvListen = "NOLAN_LISTEN"
)

// Session backends.
const (
	BackendTmux = "tmux"
	BackendPTY  = "pty"
)

// Settings is the engine configuration in $NOLAN_HOME/config.yaml.
type Settings struct {
	PollInterval      time.Duration  `yaml:"poll_interval,omitempty"`
	SessionBackend    string         `yaml:"session_backend,omitempty"`
	MaxConcurrentRuns int            `yaml:"max_concurrent_runs,omitempty"`
	Listen            string         `yaml:"listen,omitempty"`
	Timezone          string         `yaml:"timezone,omitempty"`
	DefaultCommand    string         `yaml:"default_command,omitempty"`
	MDNS              bool           `yaml:"mdns,omitempty"`
	Pushover          PushoverConfig `yaml:"pushover,omitempty"`
}

// PushoverConfig holds Pushover credentials for failure notifications.
type PushoverConfig struct {
	UserKey  string `yaml:"user_key,omitempty"`
	AppToken string `yaml:"app_token,omitempty"`
}

// Configured reports whether both credentials are set.
func (p PushoverConfig) Configured() bool {
	return p.UserKey != "" && p.AppToken != ""
}

// DefaultSettings returns the settings used when config.yaml is absent.
func DefaultSettings() Settings {
	return Settings{
		PollInterval:   5 * time.Second,
		SessionBackend: BackendTmux,
		Listen:         "127.0.0.1:7420",
		DefaultCommand: DefaultCommand,
	}
}

// Home returns $NOLAN_HOME, or ~/.nolan.
func Home() string {
	if h := strings.TrimSpace(os.Getenv(EnvHome)); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".nolan")
}

// LoadSettings reads config.yaml under home. A missing file yields defaults;
// zero fields in the file are filled from defaults too.
func LoadSettings(home string) (Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return s, err
	}
	if err == nil {
		var file Settings
		if err := yaml.Unmarshal(data, &file); err != nil {
			return s, fmt.Errorf("parsing config.yaml: %w", err)
		}
		s.merge(file)
	}
	if l := strings.TrimSpace(os.Getenv(EnvListen)); l != "" {
		s.Listen = l
	}
	return s, s.Validate()
}

// SaveSettings writes s to config.yaml under home.
func SaveSettings(home string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return writeYAML(filepath.Join(home, "config.yaml"), s)
}

func (s *Settings) merge(o Settings) {
	if o.PollInterval > 0 {
		s.PollInterval = o.PollInterval
	}
	if o.SessionBackend != "" {
		s.SessionBackend = o.SessionBackend
	}
	if o.MaxConcurrentRuns > 0 {
		s.MaxConcurrentRuns = o.MaxConcurrentRuns
	}
	if o.Listen != "" {
		s.Listen = o.Listen
	}
	if o.Timezone != "" {
		s.Timezone = o.Timezone
	}
	if o.DefaultCommand != "" {
		s.DefaultCommand = o.DefaultCommand
	}
	s.MDNS = s.MDNS || o.MDNS
	if o.Pushover.Configured() {
		s.Pushover = o.Pushover
	}
}

// Validate checks the backend name and timezone.
func (s Settings) Validate() error {
	switch s.SessionBackend {
	case BackendTmux, BackendPTY:
	default:
		return &ValidationError{Field: "session_backend", Value: s.SessionBackend, Reason: "must be tmux or pty"}
	}
	if _, err := s.Location(); err != nil {
		return &ValidationError{Field: "timezone", Value: s.Timezone, Reason: err.Error()}
	}
	return nil
}

// Location resolves Timezone, defaulting to the local zone.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}
