package updater

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// downloadTimeout bounds one manifest file download.
	downloadTimeout = 60 * time.Second

	// versionProbeTimeout bounds the remote version lookup.
	versionProbeTimeout = 15 * time.Second

	// maxDownloadSize caps one downloaded file. Update payloads are source
	// files and templates, not models.
	maxDownloadSize = 32 << 20
)

// RawFileSource fetches manifest files from a repository's raw-content
// endpoint (e.g. https://raw.githubusercontent.com/<owner>/<repo>).
type RawFileSource struct {
	// BaseURL is the raw endpoint including the repository, without branch.
	BaseURL string

	// Branch is the ref downloads come from.
	Branch string

	// Client is the HTTP client; http.DefaultClient when nil.
	Client *http.Client
}

// NewRawFileSource creates a source for the given raw endpoint and branch.
func NewRawFileSource(baseURL, branch string) *RawFileSource {
	return &RawFileSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Branch:  branch,
		Client:  &http.Client{Timeout: downloadTimeout},
	}
}

func (s *RawFileSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *RawFileSource) fileURL(relPath string) string {
	return fmt.Sprintf("%s/%s/%s", s.BaseURL, s.Branch, strings.TrimLeft(relPath, "/"))
}

// RemoteVersion reads the upstream VERSION marker file.
func (s *RawFileSource) RemoteVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	data, err := s.get(ctx, s.fileURL("VERSION"))
	if err != nil {
		return "", fmt.Errorf("failed to read remote version: %w", err)
	}

	version := strings.TrimSpace(string(data))
	if version == "" {
		return "", fmt.Errorf("remote version file is empty")
	}
	return version, nil
}

// Fetch downloads one manifest file by relative path.
func (s *RawFileSource) Fetch(ctx context.Context, relPath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	data, err := s.get(ctx, s.fileURL(relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", relPath, err)
	}
	return data, nil
}

func (s *RawFileSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownloadSize {
		return nil, fmt.Errorf("download exceeds size limit: %s", url)
	}
	return data, nil
}
