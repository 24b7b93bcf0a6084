package updconfig

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/deploy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func detectorFor(root string) *deploy.Detector {
	return &deploy.Detector{
		CandidateRoots: []string{root},
		ServiceName:    deploy.DefaultServiceName,
	}
}

// markInstallRoot stamps root as a file-drop install so detection resolves
// to it instead of falling back to the working directory.
func markInstallRoot(t *testing.T, root string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, deploy.InstallMarkerFile), nil, 0o644); err != nil {
		t.Fatalf("Failed to write install marker: %v", err)
	}
}

func TestLoadOrCreate_GitCheckout(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("Failed to create .git: %v", err)
	}

	path := filepath.Join(root, ConfigFileName)
	m := NewManager(path, detectorFor(root), testLogger())

	record, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	if record.Deployment.Type != deploy.TypeGit {
		t.Errorf("Deployment.Type = %s, expected git", record.Deployment.Type)
	}
	if record.UpdateMethod != MethodGitPull {
		t.Errorf("UpdateMethod = %s, expected %s", record.UpdateMethod, MethodGitPull)
	}
	if record.VersionTracking.CurrentVersion == "" {
		t.Error("CurrentVersion must never be empty")
	}
	if !fileExists(path) {
		t.Error("LoadOrCreate() should persist the synthesized config")
	}
}

func TestLoadOrCreate_FileDownloadDefaults(t *testing.T) {
	root := t.TempDir()
	markInstallRoot(t, root)
	path := filepath.Join(root, ConfigFileName)
	m := NewManager(path, detectorFor(root), testLogger())

	record, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	if record.UpdateMethod != MethodFileDownload {
		t.Errorf("UpdateMethod = %s, expected %s", record.UpdateMethod, MethodFileDownload)
	}
	if len(record.FileDownload.FilesToUpdate) == 0 {
		t.Error("Default manifest should not be empty")
	}
	if !record.FileDownload.BackupEnabled {
		t.Error("Backups should be enabled by default")
	}
}

func TestLoadOrCreate_VersionFromMarkerFile(t *testing.T) {
	root := t.TempDir()
	markInstallRoot(t, root)
	if err := os.WriteFile(filepath.Join(root, "VERSION"), []byte("1.4.2\n"), 0o644); err != nil {
		t.Fatalf("Failed to write VERSION: %v", err)
	}

	m := NewManager(filepath.Join(root, ConfigFileName), detectorFor(root), testLogger())
	record, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	if record.VersionTracking.CurrentVersion != "1.4.2" {
		t.Errorf("CurrentVersion = %s, expected 1.4.2", record.VersionTracking.CurrentVersion)
	}
}

func TestLoadOrCreate_CorrectsInconsistentMethod(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFileName)

	// A file_download deployment wrongly recorded as git_pull.
	stored := map[string]interface{}{
		"deployment": map[string]interface{}{
			"type":         "file_download",
			"target_dir":   root,
			"service_name": "whisper-appliance",
			"detected_at":  time.Now().UTC(),
		},
		"update_method": "git_pull",
		"version_tracking": map[string]interface{}{
			"current_version": "1.0.0",
		},
	}
	writeJSON(t, path, stored)

	m := NewManager(path, detectorFor(root), testLogger())
	record, err := m.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	if record.UpdateMethod != MethodFileDownload {
		t.Errorf("UpdateMethod = %s, expected corrected %s", record.UpdateMethod, MethodFileDownload)
	}

	// The correction must be persisted, not just in memory.
	var onDisk map[string]interface{}
	readJSON(t, path, &onDisk)
	if onDisk["update_method"] != MethodFileDownload {
		t.Errorf("Persisted update_method = %v, expected %s", onDisk["update_method"], MethodFileDownload)
	}
}

func TestUpdate_PreservesUnknownFields(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFileName)

	stored := map[string]interface{}{
		"deployment": map[string]interface{}{
			"type":         "file_download",
			"target_dir":   root,
			"service_name": "whisper-appliance",
			"detected_at":  time.Now().UTC(),
		},
		"update_method": "file_download",
		"version_tracking": map[string]interface{}{
			"current_version": "1.0.0",
		},
		"written_by_future_version": map[string]interface{}{"keep": "me"},
	}
	writeJSON(t, path, stored)

	m := NewManager(path, detectorFor(root), testLogger())
	if _, err := m.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	err := m.Update(func(r *Record) {
		r.VersionTracking.CurrentVersion = "1.1.0"
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	var onDisk map[string]json.RawMessage
	readJSON(t, path, &onDisk)
	if _, ok := onDisk["written_by_future_version"]; !ok {
		t.Error("Unknown top-level field was lost on save")
	}

	if m.CurrentVersion() != "1.1.0" {
		t.Errorf("CurrentVersion = %s, expected 1.1.0", m.CurrentVersion())
	}
}

func TestUpdate_BeforeLoadFails(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), ConfigFileName), detectorFor(t.TempDir()), testLogger())
	if err := m.Update(func(*Record) {}); err == nil {
		t.Error("Update() before LoadOrCreate() should fail")
	}
}

func TestReload(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ConfigFileName)

	m := NewManager(path, detectorFor(root), testLogger())
	if _, err := m.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	// Another process edits the document.
	var doc map[string]json.RawMessage
	readJSON(t, path, &doc)
	doc["update_method"] = json.RawMessage(`"file_download"`)
	doc["version_tracking"] = json.RawMessage(`{"current_version":"9.9.9"}`)
	writeJSON(t, path, doc)

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if m.CurrentVersion() != "9.9.9" {
		t.Errorf("CurrentVersion after Reload() = %s, expected 9.9.9", m.CurrentVersion())
	}
}

func TestAccessors(t *testing.T) {
	root := t.TempDir()
	markInstallRoot(t, root)
	m := NewManager(filepath.Join(root, ConfigFileName), detectorFor(root), testLogger())
	if _, err := m.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate() failed: %v", err)
	}

	if m.DeploymentType() != deploy.TypeFileDownload {
		t.Errorf("DeploymentType() = %s", m.DeploymentType())
	}
	if m.TargetDir() != root {
		t.Errorf("TargetDir() = %s, expected %s", m.TargetDir(), root)
	}

	// The returned manifest is a copy; mutating it must not affect the record.
	files := m.FilesToUpdate()
	if len(files) == 0 {
		t.Fatal("FilesToUpdate() should not be empty")
	}
	files[0] = "mutated"
	if m.FilesToUpdate()[0] == "mutated" {
		t.Error("FilesToUpdate() must return a copy")
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func readJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to parse %s: %v", path, err)
	}
}
