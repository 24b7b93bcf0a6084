package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/backup"
	"github.com/mioxoim/whisper-appliance-sub001/internal/deploy"
	"github.com/mioxoim/whisper-appliance-sub001/internal/maintenance"
	"github.com/mioxoim/whisper-appliance-sub001/internal/settings"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updater"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updconfig"
)

const testSecret = "Kx9mQ2pLw7Tz4Vb8Nc3Rf6Yh1Jd5Gs0A"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSource serves manifest files from memory.
type memSource struct {
	version string
	files   map[string][]byte
}

func (s *memSource) RemoteVersion(ctx context.Context) (string, error) {
	if s.version == "" {
		return "", errors.New("unavailable")
	}
	return s.version, nil
}

func (s *memSource) Fetch(ctx context.Context, relPath string) ([]byte, error) {
	data, ok := s.files[relPath]
	if !ok {
		return nil, errors.New("not found: " + relPath)
	}
	return data, nil
}

type serverFixture struct {
	server    *Server
	targetDir string
}

func newTestServer(t *testing.T, source updater.FileSource, secret string) *serverFixture {
	t.Helper()

	targetDir := t.TempDir()
	record := updconfig.Record{
		Repository: updconfig.Repository{Branch: "main"},
		Deployment: deploy.Profile{
			Type:        deploy.TypeFileDownload,
			TargetDir:   targetDir,
			ServiceName: "whisper-appliance",
			DetectedAt:  time.Now().UTC(),
		},
		UpdateMethod: updconfig.MethodFileDownload,
		VersionTracking: updconfig.VersionTracking{
			CurrentVersion: "1.0.0",
		},
		FileDownload: updconfig.FileDownloadConfig{
			FilesToUpdate: []string{"VERSION"},
			BackupEnabled: true,
			BackupDir:     filepath.Join(targetDir, "backups"),
		},
	}

	configPath := filepath.Join(t.TempDir(), updconfig.ConfigFileName)
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o640); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg := updconfig.NewManager(configPath, nil, testLogger())
	if _, err := cfg.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(targetDir, "VERSION"), []byte("1.0.0\n"), 0o644); err != nil {
		t.Fatalf("Failed to seed VERSION: %v", err)
	}

	maint := maintenance.NewManager(t.TempDir(), testLogger())
	upd := updater.New(updater.Options{
		Config:      cfg,
		Backups:     backup.NewManager(targetDir, record.FileDownload.BackupDir, testLogger()),
		Maintenance: maint,
		Source:      source,
		Logger:      testLogger(),
	})

	set := settings.Default()
	set.WebhookSecret = secret

	return &serverFixture{
		server:    New(upd, cfg, maint, nil, set, testLogger(), true),
		targetDir: targetDir,
	}
}

func pushRequest(t *testing.T, body, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", sign([]byte(body), secret))
	}
	return req
}

func TestHandleWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*http.Request)
		wantStatus int
	}{
		{
			name:       "missing signature",
			mutate:     func(r *http.Request) { r.Header.Del("X-Hub-Signature-256") },
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong content type",
			mutate:     func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") },
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:       "oversized payload",
			mutate:     func(r *http.Request) { r.ContentLength = MaxPayloadBytes + 1 },
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t, &memSource{}, testSecret)
			req := pushRequest(t, `{"ref":"refs/heads/main"}`, testSecret)
			tt.mutate(req)

			rec := httptest.NewRecorder()
			f.server.Router().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestHandleWebhook_IgnoresNonPushAndOtherBranches(t *testing.T) {
	f := newTestServer(t, &memSource{}, testSecret)
	router := f.server.Router()

	req := pushRequest(t, `{"ref":"refs/heads/main"}`, testSecret)
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "non-push") {
		t.Errorf("ping event: status %d body %s", rec.Code, rec.Body)
	}

	req = pushRequest(t, `{"ref":"refs/heads/feature-x"}`, testSecret)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "skipping") {
		t.Errorf("other branch: status %d body %s", rec.Code, rec.Body)
	}
}

func TestHandleWebhook_TriggersUpdate(t *testing.T) {
	source := &memSource{
		version: "2.0.0",
		files:   map[string][]byte{"VERSION": []byte("2.0.0\n")},
	}
	f := newTestServer(t, source, testSecret)

	req := pushRequest(t, `{"ref":"refs/heads/main","after":"abc"}`, testSecret)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body)
	}

	f.server.Wait()

	data, err := os.ReadFile(filepath.Join(f.targetDir, "VERSION"))
	if err != nil {
		t.Fatalf("Failed to read VERSION: %v", err)
	}
	if string(data) != "2.0.0\n" {
		t.Errorf("VERSION = %q after webhook update", data)
	}
}

func TestHandleWebhook_DisabledWithoutSecret(t *testing.T) {
	f := newTestServer(t, &memSource{}, "")

	req := pushRequest(t, `{"ref":"refs/heads/main"}`, "")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want route absent", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newTestServer(t, &memSource{}, testSecret)

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["version"] != "1.0.0" {
		t.Errorf("version field = %v", body["version"])
	}
}

func TestHandleStatus(t *testing.T) {
	f := newTestServer(t, &memSource{}, testSecret)

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := body["updater"]; !ok {
		t.Error("status response missing updater snapshot")
	}
}

func TestMaintenanceGate(t *testing.T) {
	f := newTestServer(t, &memSource{}, testSecret)
	router := f.server.Router()

	if err := f.server.Maintenance.Enable(maintenance.EnableOptions{Message: "updating"}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	// Non-loopback clients get 503. httptest requests originate from
	// 192.0.2.1 by default.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("blocked client: status = %d, want 503", rec.Code)
	}

	// Loopback always passes.
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "127.0.0.1:52000"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback client: status = %d, want 200", rec.Code)
	}

	// Health stays reachable for monitors.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health during maintenance: status = %d, want 200", rec.Code)
	}

	// Whitelisted clients pass too.
	if err := f.server.Maintenance.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if err := f.server.Maintenance.Enable(maintenance.EnableOptions{
		IPWhitelist: []string{"192.0.2.1"},
	}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("whitelisted client: status = %d, want 200", rec.Code)
	}
}

func TestMaintenanceGate_HTMLForBrowsers(t *testing.T) {
	f := newTestServer(t, &memSource{}, testSecret)
	router := f.server.Router()

	if err := f.server.Maintenance.Enable(maintenance.EnableOptions{
		Title:   "Updating",
		Message: "Back in five minutes.",
	}); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(rec.Body.String(), "Back in five minutes.") {
		t.Error("maintenance page missing configured message")
	}
}
