package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mioxoim/whisper-appliance-sub001/internal/backup"
	"github.com/mioxoim/whisper-appliance-sub001/internal/gitmon"
	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
	"github.com/mioxoim/whisper-appliance-sub001/internal/maintenance"
	"github.com/mioxoim/whisper-appliance-sub001/internal/service"
	"github.com/mioxoim/whisper-appliance-sub001/internal/settings"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updater"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updconfig"
)

// app is the wired component graph shared by the CLI commands.
type app struct {
	settings    *settings.Settings
	config      *updconfig.Manager
	backups     *backup.Manager
	maintenance *maintenance.Manager
	updater     *updater.Updater
	logger      *slog.Logger
}

// loadSettings resolves the settings file through the candidate locations
// and falls back to defaults when none exists.
func loadSettings() (*settings.Settings, error) {
	if path := settings.FindSettingsFile(); path != "" {
		return settings.Load(path)
	}
	return settings.Default(), nil
}

// newApp loads settings and the update configuration and wires the
// updater. hist may be nil for commands that do not record history.
func newApp(hist *history.History, logger *slog.Logger) (*app, error) {
	set, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return newAppWith(set, hist, logger)
}

// newAppWith wires the component graph from already-loaded settings.
func newAppWith(set *settings.Settings, hist *history.History, logger *slog.Logger) (*app, error) {
	cfg := updconfig.NewManager("", nil, logger)
	record, err := cfg.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("failed to load update configuration: %w", err)
	}

	backups := backup.NewManager(record.Deployment.TargetDir, record.FileDownload.BackupDir, logger)
	maint := maintenance.NewManager(record.Deployment.TargetDir, logger)

	opts := updater.Options{
		Config:          cfg,
		Backups:         backups,
		Maintenance:     maint,
		History:         hist,
		Restarter:       service.NewManager(logger),
		PostUpdateHooks: set.PostUpdate,
		HookTimeout:     set.HookTimeout(),
		ExposeOutput:    set.ExposeOutput,
		Secrets:         []string{set.WebhookSecret, set.GitHubToken},
		Logger:          logger,
	}

	switch record.UpdateMethod {
	case updconfig.MethodGitPull:
		opts.Monitor = gitmon.New(record.Deployment.TargetDir,
			repoSlug(record.Repository.URL), record.Repository.Branch,
			set.GitHubToken, logger)
	default:
		opts.Source = updater.NewRawFileSource(record.Repository.RawURL, record.Repository.Branch)
	}

	return &app{
		settings:    set,
		config:      cfg,
		backups:     backups,
		maintenance: maint,
		updater:     updater.New(opts),
		logger:      logger,
	}, nil
}

// repoSlug extracts "owner/repo" from a repository URL.
func repoSlug(url string) string {
	slug := strings.TrimSuffix(url, ".git")
	slug = strings.TrimSuffix(slug, "/")
	if idx := strings.Index(slug, "github.com/"); idx >= 0 {
		slug = slug[idx+len("github.com/"):]
	}
	return slug
}

// cliLogger logs human-oriented text to stderr so command output on stdout
// stays parseable.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
