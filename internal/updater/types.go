package updater

import (
	"context"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/gitmon"
)

// State represents the current phase of the update process.
type State string

// Update states.
const (
	StateIdle            State = "idle"
	StateChecking        State = "checking"
	StateNoUpdate        State = "no_update"
	StateUpdateAvailable State = "update_available"
	StateApplying        State = "applying"
	StateVerifying       State = "verifying"
	StateSuccess         State = "success"
	StateFailed          State = "failed"
	StateRolledBack      State = "rolled_back"
)

// Check statuses.
const (
	CheckStatusSuccess = "success"
	CheckStatusError   = "error"
)

// CheckResult is the ephemeral outcome of an update check. It is returned
// to the caller each time and never persisted.
type CheckResult struct {
	Status          string    `json:"status"`
	UpdateAvailable bool      `json:"update_available"`
	CommitsBehind   int       `json:"commits_behind"`
	CurrentVersion  string    `json:"current_version"`
	RemoteVersion   string    `json:"remote_version,omitempty"`
	Message         string    `json:"message,omitempty"`
	CheckTime       time.Time `json:"check_time"`
}

// ApplyResult is the structured outcome of an update attempt.
type ApplyResult struct {
	Success     bool   `json:"success"`
	Busy        bool   `json:"busy,omitempty"`
	RolledBack  bool   `json:"rolled_back,omitempty"`
	FromVersion string `json:"from_version,omitempty"`
	ToVersion   string `json:"to_version,omitempty"`
	BackupSlot  string `json:"backup_slot,omitempty"`
	Message     string `json:"message"`

	// Output is the sanitized pull and hook output, present only when
	// expose_output is enabled in the settings file.
	Output string `json:"output,omitempty"`
}

// Status is a point-in-time snapshot of the updater.
type Status struct {
	State          State      `json:"state"`
	CurrentVersion string     `json:"current_version"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	BackupCount    int        `json:"backup_count"`
}

// GitMonitor is the slice of gitmon.Monitor the updater needs; tests
// substitute a stub.
type GitMonitor interface {
	CurrentCommit(ctx context.Context) (string, bool)
	CheckForUpdates(ctx context.Context) (bool, *gitmon.RemoteCommit)
	CommitsBehind(ctx context.Context, localCommit string) int
}

// FileSource fetches update payloads for file-download deployments.
type FileSource interface {
	// RemoteVersion returns the upstream version identifier.
	RemoteVersion(ctx context.Context) (string, error)

	// Fetch downloads one manifest file by relative path.
	Fetch(ctx context.Context, relPath string) ([]byte, error)
}

// Restarter signals the host service manager after a successful apply.
type Restarter interface {
	Restart(ctx context.Context, serviceName string) error
}
