// Package deploy classifies the running deployment environment.
//
// Detection is a pure function of filesystem state: it probes a fixed,
// priority-ordered list of candidate roots for markers and never caches
// results across calls, so it stays correct when the tree changes under a
// running process (for example right after an update).
package deploy

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultServiceName is the systemd unit managed by the updater.
	DefaultServiceName = "whisper-appliance"

	// InstallMarkerFile marks a file-drop install root.
	InstallMarkerFile = ".appliance-install"

	// DevMarkerFile marks a development working tree.
	DevMarkerFile = ".dev-environment"
)

// Detector inspects the filesystem to classify the running deployment.
type Detector struct {
	// CandidateRoots are probed in priority order. The first root carrying
	// a recognized marker wins.
	CandidateRoots []string

	// ServiceName is recorded in the resulting profile.
	ServiceName string
}

// NewDetector creates a detector with the standard candidate roots:
// the configured install path, the system install locations, then the
// current working directory.
func NewDetector() *Detector {
	roots := []string{}
	if env := os.Getenv("APPLIANCE_HOME"); env != "" {
		roots = append(roots, env)
	}
	roots = append(roots,
		"/opt/whisper-appliance",
		"/var/lib/whisper-appliance",
	)
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}

	serviceName := DefaultServiceName
	if env := os.Getenv("APPLIANCE_SERVICE"); env != "" {
		serviceName = env
	}

	return &Detector{
		CandidateRoots: roots,
		ServiceName:    serviceName,
	}
}

// Detect classifies the deployment. It walks the candidate roots in order
// and returns on the first marker found:
//
//   - a .git directory wins as a git checkout, unless the root also carries
//     the development marker, which takes precedence
//   - the install marker file classifies a file-drop install
//
// When no marker is found anywhere, detection fails closed to file_download
// rooted at the current working directory.
func (d *Detector) Detect() Profile {
	now := time.Now().UTC()

	for _, root := range d.CandidateRoots {
		if !dirExists(root) {
			continue
		}

		if fileExists(filepath.Join(root, DevMarkerFile)) {
			return Profile{Type: TypeDevelopment, TargetDir: root, ServiceName: d.ServiceName, DetectedAt: now}
		}

		if dirExists(filepath.Join(root, ".git")) {
			return Profile{Type: TypeGit, TargetDir: root, ServiceName: d.ServiceName, DetectedAt: now}
		}

		if fileExists(filepath.Join(root, InstallMarkerFile)) {
			return Profile{Type: TypeFileDownload, TargetDir: root, ServiceName: d.ServiceName, DetectedAt: now}
		}
	}

	fallback, err := os.Getwd()
	if err != nil {
		fallback = "."
	}
	return Profile{Type: TypeFileDownload, TargetDir: fallback, ServiceName: d.ServiceName, DetectedAt: now}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
