// Package gitmon queries local and remote git state for git-based
// deployments.
//
// Network and subprocess calls are treated as unreliable collaborators:
// every method reports failure through a sentinel (false, nil, empty slice)
// instead of an error, because an update check must never crash the
// long-running appliance process. Details go to the log only.
package gitmon

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/cmdutil"
)

const (
	// LocalGitTimeout bounds cheap local queries (rev-parse, log).
	LocalGitTimeout = 5 * time.Second

	// FetchTimeout bounds a non-destructive git fetch.
	FetchTimeout = 30 * time.Second

	// RemoteAPITimeout bounds GitHub API calls.
	RemoteAPITimeout = 15 * time.Second
)

// RemoteCommit holds metadata about the tip of a remote branch.
type RemoteCommit struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// Commit is one entry of the local commit history.
type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Monitor inspects a git checkout and its GitHub remote.
type Monitor struct {
	TargetDir string
	Owner     string
	Repo      string
	Branch    string

	client *github.Client
	logger *slog.Logger
}

// New creates a monitor for the checkout at targetDir tracking
// ownerRepo ("owner/name") on the given branch. token may be empty for
// anonymous API access.
func New(targetDir, ownerRepo, branch, token string, logger *slog.Logger) *Monitor {
	owner, repo := splitSlug(ownerRepo)

	httpClient := oauth2.NewClient(context.Background(), nil)
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	return &Monitor{
		TargetDir: targetDir,
		Owner:     owner,
		Repo:      repo,
		Branch:    branch,
		client:    github.NewClient(httpClient),
		logger:    logger,
	}
}

// NewWithClient creates a monitor with a caller-supplied GitHub client.
// Tests use this to point the monitor at a stub API server.
func NewWithClient(targetDir, owner, repo, branch string, client *github.Client, logger *slog.Logger) *Monitor {
	return &Monitor{
		TargetDir: targetDir,
		Owner:     owner,
		Repo:      repo,
		Branch:    branch,
		client:    client,
		logger:    logger,
	}
}

func splitSlug(slug string) (string, string) {
	parts := strings.SplitN(slug, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// CurrentCommit returns the short hash of the local HEAD. The second return
// is false when the target is not a git checkout or the command fails; that
// is an expected, non-fatal outcome.
func (m *Monitor) CurrentCommit(ctx context.Context) (string, bool) {
	output, err := cmdutil.RunWithTimeout(ctx, m.TargetDir, LocalGitTimeout,
		[]string{"git", "rev-parse", "--short", "HEAD"})
	if err != nil {
		m.logger.Debug("local HEAD lookup failed", "dir", m.TargetDir, "error", err)
		return "", false
	}

	commit := strings.TrimSpace(string(output))
	if commit == "" {
		return "", false
	}
	return commit, true
}

// LatestRemote fetches metadata for the tip of branch from the GitHub API.
// Returns (nil, false) on any network or API failure.
func (m *Monitor) LatestRemote(ctx context.Context, branch string) (*RemoteCommit, bool) {
	if m.Owner == "" || m.Repo == "" {
		m.logger.Debug("no repository configured for remote lookup")
		return nil, false
	}
	if branch == "" {
		branch = m.Branch
	}

	ctx, cancel := context.WithTimeout(ctx, RemoteAPITimeout)
	defer cancel()

	commit, _, err := m.client.Repositories.GetCommit(ctx, m.Owner, m.Repo, branch, nil)
	if err != nil {
		m.logger.Warn("remote commit lookup failed",
			"repo", m.Owner+"/"+m.Repo, "branch", branch, "error", err)
		return nil, false
	}

	remote := &RemoteCommit{ID: commit.GetSHA()}
	if c := commit.GetCommit(); c != nil {
		remote.Message = c.GetMessage()
		if a := c.GetAuthor(); a != nil {
			remote.Author = a.GetName()
			remote.Date = a.GetDate().Time
		}
	}
	return remote, true
}

// CheckForUpdates reports whether the remote branch has moved past the local
// checkout. An update is available only when both the local and the remote
// commit resolved and differ.
func (m *Monitor) CheckForUpdates(ctx context.Context) (bool, *RemoteCommit) {
	local, ok := m.CurrentCommit(ctx)
	if !ok {
		return false, nil
	}

	remote, ok := m.LatestRemote(ctx, m.Branch)
	if !ok {
		return false, nil
	}

	// Local hashes are short; compare by prefix.
	if strings.HasPrefix(remote.ID, local) {
		return false, remote
	}
	return true, remote
}

// CommitsBehind counts remote commits not present locally via the compare
// API. Best effort: returns 0 when the comparison cannot be made.
func (m *Monitor) CommitsBehind(ctx context.Context, localCommit string) int {
	if m.Owner == "" || m.Repo == "" || localCommit == "" {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, RemoteAPITimeout)
	defer cancel()

	cmp, _, err := m.client.Repositories.CompareCommits(ctx, m.Owner, m.Repo, localCommit, m.Branch, nil)
	if err != nil {
		m.logger.Debug("commit comparison failed", "base", localCommit, "error", err)
		return 0
	}
	return cmp.GetAheadBy()
}

// FetchUpdates performs a non-destructive git fetch. It never merges.
// Returns success only; output detail goes to the log.
func (m *Monitor) FetchUpdates(ctx context.Context) bool {
	if err := security.ValidateBranchName(m.Branch); err != nil {
		m.logger.Warn("refusing fetch with invalid branch", "branch", m.Branch, "error", err)
		return false
	}

	output, err := cmdutil.RunWithTimeout(ctx, m.TargetDir, FetchTimeout,
		[]string{"git", "fetch", "origin", m.Branch})
	if err != nil {
		m.logger.Warn("git fetch failed", "dir", m.TargetDir, "error", err,
			"output", strings.TrimSpace(string(output)))
		return false
	}

	m.logger.Info("fetched remote updates", "branch", m.Branch)
	return true
}

// CommitHistory returns up to limit local commits, newest first.
// Best effort: an empty slice on any failure.
func (m *Monitor) CommitHistory(ctx context.Context, limit int) []Commit {
	if limit <= 0 {
		limit = 10
	}

	output, err := cmdutil.RunWithTimeout(ctx, m.TargetDir, LocalGitTimeout,
		[]string{"git", "log", "--oneline", "-n", strconv.Itoa(limit)})
	if err != nil {
		m.logger.Debug("commit history lookup failed", "dir", m.TargetDir, "error", err)
		return []Commit{}
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, msg, _ := strings.Cut(line, " ")
		commits = append(commits, Commit{ID: id, Message: msg})
	}
	if commits == nil {
		return []Commit{}
	}
	return commits
}
