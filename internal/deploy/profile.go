package deploy

import "time"

// Type classifies how the appliance is installed. Each later component
// switches on this tagged value instead of re-probing the filesystem.
type Type string

const (
	// TypeGit is a git checkout updated via git pull.
	TypeGit Type = "git"

	// TypeFileDownload is a file-drop install updated by downloading a
	// manifest of files.
	TypeFileDownload Type = "file_download"

	// TypeDevelopment is a developer working tree; updates are never
	// applied automatically.
	TypeDevelopment Type = "development"
)

// Profile describes the detected deployment environment. Immutable once
// returned; callers needing fresh state run detection again.
type Profile struct {
	Type        Type      `json:"type"`
	TargetDir   string    `json:"target_dir"`
	ServiceName string    `json:"service_name"`
	DetectedAt  time.Time `json:"detected_at"`
}

// UpdateMethod returns the update mechanism implied by the deployment type.
// Git checkouts pull, everything else downloads files.
func (p Profile) UpdateMethod() string {
	if p.Type == TypeGit {
		return "git_pull"
	}
	return "file_download"
}
