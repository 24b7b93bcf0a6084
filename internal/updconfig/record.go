package updconfig

import (
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/deploy"
)

// Update methods, derived from the deployment type.
const (
	MethodGitPull      = "git_pull"
	MethodFileDownload = "file_download"
)

// Repository holds the coordinates of the upstream source repository.
type Repository struct {
	URL    string `json:"url"`
	RawURL string `json:"raw_url"`
	APIURL string `json:"api_url"`
	Branch string `json:"branch"`
}

// VersionTracking is the version/timestamp bookkeeping block.
type VersionTracking struct {
	CurrentVersion string     `json:"current_version"`
	LastUpdate     *time.Time `json:"last_update,omitempty"`
	LastCheck      *time.Time `json:"last_check,omitempty"`
}

// FileDownloadConfig configures file-drop updates: the ordered manifest of
// relative paths to replace, and where backups go.
type FileDownloadConfig struct {
	FilesToUpdate []string `json:"files_to_update"`
	BackupEnabled bool     `json:"backup_enabled"`
	BackupDir     string   `json:"backup_dir"`
}

// AutoUpdate configures the scheduled update check.
type AutoUpdate struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // "daily" or "hourly"
	Time     string `json:"time"`     // "HH:MM", daily schedule only
}

// Record is the persisted update configuration document. It is the only
// durable cross-component state; every mutation goes through the manager's
// read-modify-write section as a whole document.
type Record struct {
	Repository      Repository         `json:"repository"`
	Deployment      deploy.Profile     `json:"deployment"`
	UpdateMethod    string             `json:"update_method"`
	VersionTracking VersionTracking    `json:"version_tracking"`
	FileDownload    FileDownloadConfig `json:"file_download_config"`
	AutoUpdate      AutoUpdate         `json:"auto_update"`
}
