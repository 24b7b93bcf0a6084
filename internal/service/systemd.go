// Package service signals the host's service manager to restart the
// appliance after a successful update.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/cmdutil"
)

// RestartTimeout bounds the restart signal itself.
const RestartTimeout = 30 * time.Second

// Manager restarts systemd units, preferring the D-Bus API and falling back
// to systemctl when no bus connection is available (e.g. inside a
// container without systemd).
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a service manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Restart asks systemd to restart the named service. The unit suffix is
// appended when missing. Returns an error only when both the D-Bus path and
// the systemctl fallback fail; the caller decides whether that matters.
func (m *Manager) Restart(ctx context.Context, serviceName string) error {
	if err := security.ValidateServiceName(serviceName); err != nil {
		return fmt.Errorf("invalid service name: %w", err)
	}

	unit := serviceName
	if !strings.HasSuffix(unit, ".service") {
		unit += ".service"
	}

	ctx, cancel := context.WithTimeout(ctx, RestartTimeout)
	defer cancel()

	err := m.restartViaDBus(ctx, unit)
	if err == nil {
		m.logger.Info("service restart requested via D-Bus", "unit", unit)
		return nil
	}
	m.logger.Debug("D-Bus restart unavailable, falling back to systemctl",
		"unit", unit, "error", err)

	output, err := cmdutil.RunWithTimeout(ctx, "", RestartTimeout,
		[]string{"systemctl", "restart", unit})
	if err != nil {
		return fmt.Errorf("systemctl restart failed: %w (output: %s)",
			err, strings.TrimSpace(string(output)))
	}

	m.logger.Info("service restart requested via systemctl", "unit", unit)
	return nil
}

func (m *Manager) restartViaDBus(ctx context.Context, unit string) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	if _, err := conn.RestartUnitContext(ctx, unit, "replace", nil); err != nil {
		return fmt.Errorf("failed to restart unit: %w", err)
	}
	return nil
}
