package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
	"github.com/mioxoim/whisper-appliance-sub001/internal/scheduler"
	"github.com/mioxoim/whisper-appliance-sub001/internal/server"
)

var (
	logFile  string
	dbPath   string
	host     string
	port     int
	testMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the update daemon",
	Long: `Start the HTTP daemon: webhook endpoint, status and health endpoints,
and the scheduled auto-update cycle if enabled in the configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("APPLIANCE_LOG_FILE", "./applianceupdate.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("APPLIANCE_DB_PATH", "./updates.db"), "Path to SQLite history database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("APPLIANCE_HOST", ""), "Host to bind to (overrides settings file)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("APPLIANCE_PORT", 0), "Port to listen on (overrides settings file)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("APPLIANCE_SKIP_VALIDATION") == "1", "Enable test mode (no rate limits, no history)")
}

func runServe(cmd *cobra.Command, args []string) error {
	set, err := loadSettings()
	if err != nil {
		return err
	}

	// The --log flag wins; otherwise the settings file may relocate the log.
	logPath := logFile
	if !cmd.Flags().Changed("log") && set.LogFile != "" {
		logPath = set.LogFile
	}

	logger, logFileHandle, err := setupLogging(logPath, set.SlogLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting applianceupdate")

	var hist *history.History
	if !testMode {
		logger.Info("Initializing history database", "db", dbPath)
		hist, err = history.New(dbPath)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
		defer hist.Close()
	}

	a, err := newAppWith(set, hist, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}

	record := a.config.Record()
	logger.Info("Deployment detected",
		"type", string(record.Deployment.Type),
		"method", record.UpdateMethod,
		"target", record.Deployment.TargetDir,
		"version", record.VersionTracking.CurrentVersion)

	if !a.settings.WebhookEnabled() {
		logger.Warn("No webhook secret configured; the update trigger endpoint is disabled")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched := scheduler.New(a.config, func(ctx context.Context) {
		result := a.updater.PerformUpdate(ctx)
		if result.Success {
			logger.Info("scheduled update finished", "message", result.Message)
		} else if !result.Busy {
			logger.Error("scheduled update failed", "message", result.Message)
		}
	}, logger)
	go sched.Start(ctx)

	srv := server.New(a.updater, a.config, a.maintenance, hist, a.settings, logger, testMode)

	listenHost := a.settings.Host
	if host != "" {
		listenHost = host
	}
	listenPort := a.settings.Port
	if port != 0 {
		listenPort = port
	}

	if err := srv.Start(listenHost, listenPort); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string, level slog.Level) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler), file, nil
}
