// Package maintenance gates request handling during the update window.
//
// The marker file's existence is the authoritative "maintenance is active"
// signal: it is a cheap, lock-free check the web layer performs on every
// inbound request. The config document carries the presentation detail
// (message, whitelist, timing) and its enabled flag is secondary; the
// manager keeps both in sync under one mutex.
package maintenance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/fileutil"
)

const (
	// ConfigFileName holds the maintenance presentation state.
	ConfigFileName = "maintenance.json"

	// MarkerFileName is the presence marker consumed by the web layer.
	MarkerFileName = ".maintenance_active"
)

// State is the persisted maintenance configuration.
type State struct {
	Enabled      bool       `json:"enabled"`
	IPWhitelist  []string   `json:"ip_whitelist"`
	Message      string     `json:"message"`
	Title        string     `json:"title"`
	AutoMode     bool       `json:"auto_mode"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EstimatedEnd *time.Time `json:"estimated_end,omitempty"`
	AdminEmail   string     `json:"admin_email,omitempty"`
}

// Marker is the JSON body of the presence marker file.
type Marker struct {
	EnabledAt time.Time `json:"enabled_at"`
	AutoMode  bool      `json:"auto_mode"`
	PID       int       `json:"pid"`
}

// EnableOptions configures a maintenance window.
type EnableOptions struct {
	Message     string
	Title       string
	IPWhitelist []string
	AutoMode    bool
	Duration    time.Duration
	AdminEmail  string
}

// Manager owns the maintenance state. Enable, Disable and Status serialize
// through one mutex so two callers cannot flip state inconsistently.
type Manager struct {
	mu         sync.Mutex
	configPath string
	markerPath string
	logger     *slog.Logger
}

// NewManager creates a manager storing its state under dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		configPath: filepath.Join(dir, ConfigFileName),
		markerPath: filepath.Join(dir, MarkerFileName),
		logger:     logger,
	}
}

// MarkerPath returns the presence marker location for external consumers.
func (m *Manager) MarkerPath() string {
	return m.markerPath
}

// Enable turns maintenance mode on. The config document is saved before the
// marker appears, so a concurrent reader sees either fully-old or fully-new
// state, never a marker pointing at stale config.
func (m *Manager) Enable(opts EnableOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	state := State{
		Enabled:     true,
		IPWhitelist: append([]string(nil), opts.IPWhitelist...),
		Message:     opts.Message,
		Title:       opts.Title,
		AutoMode:    opts.AutoMode,
		StartedAt:   &now,
		AdminEmail:  opts.AdminEmail,
	}
	if state.Message == "" {
		state.Message = "The appliance is being updated. Please try again shortly."
	}
	if state.Title == "" {
		state.Title = "Maintenance in progress"
	}
	if opts.Duration > 0 {
		end := now.Add(opts.Duration)
		state.EstimatedEnd = &end
	}

	if err := m.saveStateLocked(state); err != nil {
		return err
	}

	marker := Marker{EnabledAt: now, AutoMode: opts.AutoMode, PID: os.Getpid()}
	markerData, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	if err := fileutil.WriteFileAtomic(m.markerPath, markerData, security.PermMarkerFile); err != nil {
		return fmt.Errorf("failed to write maintenance marker: %w", err)
	}

	m.logger.Info("maintenance mode enabled", "auto", opts.AutoMode)
	return nil
}

// Disable turns maintenance mode off: the marker disappears first (so
// request gating stops immediately), then the config flag follows.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove maintenance marker: %w", err)
	}

	state := m.loadStateLocked()
	state.Enabled = false
	state.StartedAt = nil
	state.EstimatedEnd = nil
	if err := m.saveStateLocked(state); err != nil {
		return err
	}

	m.logger.Info("maintenance mode disabled")
	return nil
}

// IsActive reports whether maintenance mode is on. The marker file's
// existence is the ground truth; this read takes no lock and is suitable
// for per-request gating.
func (m *Manager) IsActive() bool {
	return fileutil.FileExists(m.markerPath)
}

// Status returns the current state with the Enabled flag synchronized to
// the marker. A drifted config flag is corrected on the spot.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.loadStateLocked()
	active := fileutil.FileExists(m.markerPath)
	if state.Enabled != active {
		m.logger.Warn("maintenance config drifted from marker, resyncing",
			"config_enabled", state.Enabled, "marker_present", active)
		state.Enabled = active
		if err := m.saveStateLocked(state); err != nil {
			m.logger.Warn("failed to resync maintenance config", "error", err)
		}
	}
	return state
}

// ReadMarker returns the parsed marker contents when maintenance is active.
func (m *Manager) ReadMarker() (*Marker, bool) {
	data, err := os.ReadFile(m.markerPath)
	if err != nil {
		return nil, false
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		// A present but unparsable marker still gates requests.
		return nil, true
	}
	return &marker, true
}

// AllowIP reports whether a caller may pass the maintenance gate. Loopback
// is always permitted regardless of the configured whitelist: lockout
// during an update must never be unrecoverable from the host itself.
func (m *Manager) AllowIP(ip string) bool {
	if isLoopback(ip) {
		return true
	}

	state := m.Status()
	return slices.Contains(state.IPWhitelist, ip)
}

func isLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func (m *Manager) loadStateLocked() State {
	var state State
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		m.logger.Warn("failed to parse maintenance config", "error", err)
		return State{}
	}
	return state
}

func (m *Manager) saveStateLocked(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal maintenance config: %w", err)
	}
	if err := fileutil.WriteFileAtomic(m.configPath, data, security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to write maintenance config: %w", err)
	}
	return nil
}
