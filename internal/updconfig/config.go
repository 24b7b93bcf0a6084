// Package updconfig persists the update configuration record.
//
// The record is a single JSON document. All reads and writes go through one
// manager instance holding one mutex: callers read-modify-write the whole
// document via Update, never patch fields in place. Keys written by a newer
// component version are carried through saves untouched.
package updconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/deploy"
	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/cmdutil"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/fileutil"
)

// ConfigFileName is the update configuration document file name.
const ConfigFileName = "update_config.json"

// DefaultRepository points at the upstream appliance source.
var DefaultRepository = Repository{
	URL:    "https://github.com/mioxoim/whisper-appliance",
	RawURL: "https://raw.githubusercontent.com/mioxoim/whisper-appliance",
	APIURL: "https://api.github.com/repos/mioxoim/whisper-appliance",
	Branch: "main",
}

// DefaultManifest is the file set replaced by file-download updates when the
// config does not name one.
var DefaultManifest = []string{
	"src/main.py",
	"src/transcription.py",
	"src/templates/index.html",
	"requirements.txt",
	"VERSION",
}

// Manager owns the configuration document.
type Manager struct {
	mu       sync.Mutex
	path     string
	record   Record
	extra    map[string]json.RawMessage
	detector *deploy.Detector
	loaded   bool
	logger   *slog.Logger
}

// NewManager creates a manager. path may be empty, in which case the
// candidate locations are probed on LoadOrCreate: $APPLIANCE_UPDATE_CONFIG,
// the working directory, then /etc/applianceupdate.
func NewManager(path string, detector *deploy.Detector, logger *slog.Logger) *Manager {
	if detector == nil {
		detector = deploy.NewDetector()
	}
	return &Manager{
		path:     path,
		detector: detector,
		logger:   logger,
	}
}

func candidatePaths() []string {
	paths := []string{}
	if env := os.Getenv("APPLIANCE_UPDATE_CONFIG"); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths, fileutil.DefaultConfigPaths(ConfigFileName)...)
	return paths
}

// LoadOrCreate loads the configuration document, probing the candidate
// paths in priority order. When none exists it synthesizes a default record
// from deployment detection and version inference, persists it, and returns
// it. A stored update_method inconsistent with the deployment type is a
// configuration error and is corrected (and logged), never silently left.
func (m *Manager) LoadOrCreate() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		m.path = fileutil.SearchPathsOptional(candidatePaths())
	}

	if m.path != "" && fileutil.FileExists(m.path) {
		if err := m.loadLocked(); err != nil {
			return Record{}, err
		}
		if m.reconcileLocked() {
			if err := m.saveLocked(); err != nil {
				return Record{}, err
			}
		}
		return m.record, nil
	}

	// First run: synthesize defaults.
	profile := m.detector.Detect()
	record := Record{
		Repository:   DefaultRepository,
		Deployment:   profile,
		UpdateMethod: profile.UpdateMethod(),
		VersionTracking: VersionTracking{
			CurrentVersion: inferVersion(profile),
		},
		FileDownload: FileDownloadConfig{
			FilesToUpdate: append([]string(nil), DefaultManifest...),
			BackupEnabled: true,
			BackupDir:     filepath.Join(profile.TargetDir, "backups"),
		},
		AutoUpdate: AutoUpdate{
			Enabled:  false,
			Schedule: "daily",
			Time:     "03:00",
		},
	}

	m.record = record
	m.extra = nil
	m.loaded = true
	if m.path == "" {
		m.path = filepath.Join(profile.TargetDir, ConfigFileName)
	}

	if err := m.saveLocked(); err != nil {
		return Record{}, fmt.Errorf("failed to persist default config: %w", err)
	}

	m.logger.Info("created default update configuration",
		"path", m.path, "deployment", string(profile.Type), "version", record.VersionTracking.CurrentVersion)
	return m.record, nil
}

// Reload re-reads the document from disk, discarding in-memory state.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

// Update applies fn to a copy of the record under the exclusive section and
// persists the whole document. This is the single serialization point for
// all mutations; interleaved partial edits cannot lose fields.
func (m *Manager) Update(fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		return fmt.Errorf("configuration not loaded")
	}

	record := m.record
	fn(&record)
	m.record = record
	return m.saveLocked()
}

// Record returns a copy of the in-memory document.
func (m *Manager) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Path returns the resolved config file location, empty before LoadOrCreate.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// DeploymentType returns the persisted deployment classification.
func (m *Manager) DeploymentType() deploy.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Deployment.Type
}

// UpdateMethod returns the persisted update mechanism.
func (m *Manager) UpdateMethod() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.UpdateMethod
}

// TargetDir returns the deployment root directory.
func (m *Manager) TargetDir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Deployment.TargetDir
}

// FilesToUpdate returns a copy of the file-download manifest.
func (m *Manager) FilesToUpdate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.record.FileDownload.FilesToUpdate...)
}

// CurrentVersion returns the tracked version string.
func (m *Manager) CurrentVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.VersionTracking.CurrentVersion
}

func (m *Manager) loadLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Retain keys outside the known schema so a save by this component
	// version does not drop fields written by another.
	var full map[string]json.RawMessage
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("failed to parse config document: %w", err)
	}
	known := knownKeys()
	extra := map[string]json.RawMessage{}
	for key, raw := range full {
		if !known[key] {
			extra[key] = raw
		}
	}

	m.record = record
	m.extra = extra
	m.loaded = true
	return nil
}

func (m *Manager) saveLocked() error {
	doc := map[string]json.RawMessage{}
	for key, raw := range m.extra {
		doc[key] = raw
	}

	recordJSON, err := json.Marshal(m.record)
	if err != nil {
		return fmt.Errorf("failed to marshal config record: %w", err)
	}
	var recordMap map[string]json.RawMessage
	if err := json.Unmarshal(recordJSON, &recordMap); err != nil {
		return fmt.Errorf("failed to remarshal config record: %w", err)
	}
	for key, raw := range recordMap {
		doc[key] = raw
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config document: %w", err)
	}

	if err := fileutil.WriteFileAtomic(m.path, data, security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// reconcileLocked enforces the update_method invariant. Returns true when
// the record was changed and needs saving.
func (m *Manager) reconcileLocked() bool {
	changed := false

	expected := m.record.Deployment.UpdateMethod()
	if m.record.UpdateMethod != expected {
		m.logger.Warn("correcting inconsistent update_method",
			"stored", m.record.UpdateMethod, "expected", expected,
			"deployment", string(m.record.Deployment.Type))
		m.record.UpdateMethod = expected
		changed = true
	}

	if m.record.VersionTracking.CurrentVersion == "" {
		m.record.VersionTracking.CurrentVersion = inferVersion(m.record.Deployment)
		changed = true
	}

	return changed
}

func knownKeys() map[string]bool {
	return map[string]bool{
		"repository":           true,
		"deployment":           true,
		"update_method":        true,
		"version_tracking":     true,
		"file_download_config": true,
		"auto_update":          true,
	}
}

// inferVersion resolves a display version for the deployment. The fallback
// chain is fixed: git short hash, then the VERSION marker file, then a
// date-stamped placeholder. Downstream displays rely on this never being
// empty.
func inferVersion(profile deploy.Profile) string {
	if profile.Type == deploy.TypeGit {
		output, err := cmdutil.RunWithTimeout(context.Background(), profile.TargetDir,
			5*time.Second, []string{"git", "rev-parse", "--short", "HEAD"})
		if err == nil {
			if hash := strings.TrimSpace(string(output)); hash != "" {
				return hash
			}
		}
	}

	versionFile := filepath.Join(profile.TargetDir, "VERSION")
	if data, err := os.ReadFile(versionFile); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}

	return "dev-" + time.Now().UTC().Format("20060102")
}
