package settings

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const strongSecret = "Kx9mQ2pLw7Tz4Vb8Nc3Rf6Yh1Jd5Gs0A"

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), SettingsFileName)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeSettings(t, "webhook_secret: "+strongSecret+"\n")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", s.Host, DefaultHost)
	}
	if s.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", s.Port, DefaultPort)
	}
	if s.PostUpdateTimeout != DefaultPostUpdateTimeout {
		t.Errorf("PostUpdateTimeout = %d, want %d", s.PostUpdateTimeout, DefaultPostUpdateTimeout)
	}
	if !s.WebhookEnabled() {
		t.Error("WebhookEnabled() = false with a secret configured")
	}
	if got := s.Addr(); got != "0.0.0.0:8090" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeSettings(t, `
host: 127.0.0.1
port: 9000
webhook_secret: `+strongSecret+`
expose_output: true
post_update:
  - pip install -r requirements.txt
  - ["systemctl", "reload", "nginx"]
post_update_timeout: 120
log_file: /var/log/applianceupdate/server.log
log_level: debug
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", s.Addr())
	}
	if !s.ExposeOutput {
		t.Error("ExposeOutput = false")
	}
	if len(s.PostUpdate) != 2 {
		t.Errorf("PostUpdate has %d entries, want 2", len(s.PostUpdate))
	}
	if s.PostUpdateTimeout != 120 {
		t.Errorf("PostUpdateTimeout = %d, want 120", s.PostUpdateTimeout)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", s.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "placeholder secret",
			content: "webhook_secret: changeme\n",
			wantErr: "placeholder",
		},
		{
			name:    "short secret",
			content: "webhook_secret: abc123\n",
			wantErr: "webhook_secret",
		},
		{
			name:    "port out of range",
			content: "port: 70000\nwebhook_secret: " + strongSecret + "\n",
			wantErr: "port out of range",
		},
		{
			name:    "bad log level",
			content: "log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "bad post_update entry",
			content: "post_update:\n  - 42\n",
			wantErr: "post_update",
		},
		{
			name:    "not yaml",
			content: "{{{{",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSettings(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() accepted invalid settings")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Error("Load() succeeded for a missing file")
	}
}

func TestDefault_WebhookDisabled(t *testing.T) {
	s := Default()
	if s.WebhookEnabled() {
		t.Error("WebhookEnabled() = true without a secret")
	}
	if s.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", s.Port, DefaultPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APPLIANCE_WEBHOOK_SECRET", strongSecret)
	t.Setenv("APPLIANCE_EXPOSE_OUTPUT", "1")

	path := writeSettings(t, "host: 127.0.0.1\n")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.WebhookSecret != strongSecret {
		t.Error("env webhook secret not applied")
	}
	if !s.ExposeOutput {
		t.Error("env expose_output not applied")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		s := &Settings{LogLevel: tt.level}
		if got := s.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel() for %q = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestHookTimeout(t *testing.T) {
	s := Default()
	if got := s.HookTimeout(); got != time.Duration(DefaultPostUpdateTimeout)*time.Second {
		t.Errorf("HookTimeout() = %v", got)
	}
	s.PostUpdateTimeout = 120
	if got := s.HookTimeout(); got != 2*time.Minute {
		t.Errorf("HookTimeout() = %v, want 2m", got)
	}
}

func TestFindSettingsFile_EnvWins(t *testing.T) {
	path := writeSettings(t, "host: 127.0.0.1\n")
	t.Setenv("APPLIANCE_SETTINGS", path)

	if got := FindSettingsFile(); got != path {
		t.Errorf("FindSettingsFile() = %q, want %q", got, path)
	}
}
