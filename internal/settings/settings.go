// Package settings loads the server settings YAML. This file configures the
// daemon surface (listen address, webhook secret, hooks, logging); the
// update state itself lives in the JSON update configuration document.
package settings

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/cmdutil"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/fileutil"
)

const (
	// SettingsFileName is the server settings file name, searched through
	// the standard candidate locations.
	SettingsFileName = "settings.yml"

	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8090
	DefaultPostUpdateTimeout = 300
)

// ForbiddenSecrets are placeholder values that must never pass validation.
var ForbiddenSecrets = map[string]bool{
	"replace-with-secret": true,
	"appliance-webhook":   true,
	"topsecret":           true,
	"secret":              true,
	"password":            true,
	"changeme":            true,
}

// Settings is the parsed server settings file.
type Settings struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	ExposeOutput      bool          `yaml:"expose_output"`
	GitHubToken       string        `yaml:"github_token"`
	PostUpdate        []interface{} `yaml:"post_update"`
	PostUpdateTimeout int           `yaml:"post_update_timeout"`
	LogFile           string        `yaml:"log_file"`
	LogLevel          string        `yaml:"log_level"`
}

// FindSettingsFile probes the candidate locations for the settings file.
// Returns "" when none exists; the server then runs with defaults and the
// webhook endpoint disabled.
func FindSettingsFile() string {
	if env := os.Getenv("APPLIANCE_SETTINGS"); env != "" {
		return env
	}
	return fileutil.FindConfigOptional(SettingsFileName)
}

// Load reads and validates the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML settings: %w", err)
	}

	s.applyDefaults()
	if errs := s.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid settings in '%s':\n%s", path, strings.Join(errs, "\n"))
	}
	return &s, nil
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.PostUpdateTimeout == 0 {
		s.PostUpdateTimeout = DefaultPostUpdateTimeout
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}

	// Environment overrides for containerized installs.
	if token := os.Getenv("APPLIANCE_GITHUB_TOKEN"); token != "" {
		s.GitHubToken = token
	}
	if secret := os.Getenv("APPLIANCE_WEBHOOK_SECRET"); secret != "" {
		s.WebhookSecret = secret
	}
	exposeEnv := os.Getenv("APPLIANCE_EXPOSE_OUTPUT")
	if exposeEnv == "1" || exposeEnv == "true" || exposeEnv == "yes" {
		s.ExposeOutput = true
	}
}

func (s *Settings) validate() []string {
	var errors []string

	if s.Port < 1 || s.Port > 65535 {
		errors = append(errors, fmt.Sprintf("  - port out of range: %d", s.Port))
	}

	// An empty secret is allowed and disables the webhook endpoint;
	// a weak one is a configuration error.
	if s.WebhookSecret != "" {
		if ForbiddenSecrets[strings.ToLower(s.WebhookSecret)] {
			errors = append(errors, "  - webhook_secret is a known placeholder value")
		} else if err := security.ValidateSecret(s.WebhookSecret); err != nil {
			errors = append(errors, fmt.Sprintf("  - webhook_secret: %v", err))
		}
	}

	for i, cmd := range s.PostUpdate {
		if _, err := cmdutil.ParseCommandList(cmd); err != nil {
			errors = append(errors, fmt.Sprintf("  - post_update command %d: %v", i, err))
		}
	}

	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("  - unknown log_level '%s'", s.LogLevel))
	}

	return errors
}

// WebhookEnabled reports whether the update trigger endpoint should be
// served at all.
func (s *Settings) WebhookEnabled() bool {
	return s.WebhookSecret != ""
}

// Addr returns the host:port listen address.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SlogLevel maps the configured log_level to a slog level. Validation has
// already rejected unknown values; anything unexpected degrades to info.
func (s *Settings) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HookTimeout returns post_update_timeout as a duration.
func (s *Settings) HookTimeout() time.Duration {
	return time.Duration(s.PostUpdateTimeout) * time.Second
}
