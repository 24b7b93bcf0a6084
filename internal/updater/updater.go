// Package updater orchestrates the update cycle: check, backup, apply,
// verify, restart-signal, and rollback on failure.
//
// Exactly one update may be in flight per process. State transitions are
// guarded; a concurrent PerformUpdate while one is applying is rejected
// with a busy result, never queued. Once applying starts there is no
// cancellation: the only remediation is the automatic rollback on failure
// or a manual rollback to a named slot afterwards. A process restart
// mid-update is not resumed; the backup discipline plus a fresh
// check/apply cycle restores consistency instead of a persisted
// in-progress marker.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/backup"
	"github.com/mioxoim/whisper-appliance-sub001/internal/deploy"
	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
	"github.com/mioxoim/whisper-appliance-sub001/internal/maintenance"
	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/internal/updconfig"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/cmdutil"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/fileutil"
)

const (
	// GitPullTimeout bounds the pull; the heaviest git operation gets the
	// longest budget.
	GitPullTimeout = 60 * time.Second

	// DefaultHookTimeout bounds one post-update hook command unless the
	// settings file overrides it.
	DefaultHookTimeout = 300 * time.Second
)

// Options wires an Updater. Config, Backups and Maintenance are required;
// the rest may be nil and the corresponding step degrades or is skipped.
type Options struct {
	Config      *updconfig.Manager
	Backups     *backup.Manager
	Maintenance *maintenance.Manager
	History     *history.History
	Monitor     GitMonitor
	Source      FileSource
	Restarter   Restarter

	// PostUpdateHooks are commands run in the target directory after a
	// successful apply. Each entry is a shell-quoted string or a list of
	// arguments. A failing hook fails the update.
	PostUpdateHooks []interface{}

	// HookTimeout bounds each post-update hook. Zero means
	// DefaultHookTimeout.
	HookTimeout time.Duration

	// ExposeOutput includes sanitized pull and hook output in apply
	// results. Secrets lists values to redact from that output.
	ExposeOutput bool
	Secrets      []string

	Logger *slog.Logger
}

// Updater owns the update state machine.
type Updater struct {
	config       *updconfig.Manager
	backups      *backup.Manager
	maintenance  *maintenance.Manager
	history      *history.History
	monitor      GitMonitor
	source       FileSource
	restarter    Restarter
	hooks        []interface{}
	hookTimeout  time.Duration
	exposeOutput bool
	secrets      []string
	logger       *slog.Logger

	mu            sync.Mutex
	state         State
	lastChecked   *time.Time
	lastError     error
	pendingRemote string
}

// New creates an updater in the Idle state.
func New(opts Options) *Updater {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HookTimeout <= 0 {
		opts.HookTimeout = DefaultHookTimeout
	}
	return &Updater{
		config:       opts.Config,
		backups:      opts.Backups,
		maintenance:  opts.Maintenance,
		history:      opts.History,
		monitor:      opts.Monitor,
		source:       opts.Source,
		restarter:    opts.Restarter,
		hooks:        opts.PostUpdateHooks,
		hookTimeout:  opts.HookTimeout,
		exposeOutput: opts.ExposeOutput,
		secrets:      opts.Secrets,
		logger:       opts.Logger,
		state:        StateIdle,
	}
}

// CheckForUpdates determines whether an update is due. Any lower-level
// failure collapses to a {status: error, update_available: false} result;
// checks never crash the service and never block past their timeouts.
func (u *Updater) CheckForUpdates(ctx context.Context) CheckResult {
	now := time.Now().UTC()
	result := CheckResult{
		Status:         CheckStatusError,
		CurrentVersion: u.config.CurrentVersion(),
		CheckTime:      now,
	}

	if !u.transitionTo(StateChecking,
		StateIdle, StateNoUpdate, StateUpdateAvailable, StateSuccess, StateFailed, StateRolledBack) {
		result.Message = fmt.Sprintf("cannot check while %s", u.getState())
		return result
	}

	defer func() {
		u.mu.Lock()
		u.lastChecked = &now
		u.mu.Unlock()
		u.recordCheck(ctx, result)
	}()

	if u.config.DeploymentType() == deploy.TypeDevelopment {
		// Development trees are never updated automatically.
		result.Status = CheckStatusSuccess
		result.Message = "development deployment, updates disabled"
		u.transitionTo(StateNoUpdate)
		return result
	}

	switch u.config.UpdateMethod() {
	case updconfig.MethodGitPull:
		result = u.checkGit(ctx, result)
	case updconfig.MethodFileDownload:
		result = u.checkFileDownload(ctx, result)
	default:
		result.Message = fmt.Sprintf("unknown update method %q", u.config.UpdateMethod())
	}

	if result.Status != CheckStatusSuccess {
		u.setError(fmt.Errorf("%s", result.Message))
		u.transitionTo(StateIdle)
		return result
	}

	if err := u.config.Update(func(r *updconfig.Record) {
		r.VersionTracking.LastCheck = &now
	}); err != nil {
		u.logger.Warn("failed to record last check time", "error", err)
	}

	if result.UpdateAvailable {
		u.mu.Lock()
		u.pendingRemote = result.RemoteVersion
		u.mu.Unlock()
		u.transitionTo(StateUpdateAvailable)
	} else {
		u.transitionTo(StateNoUpdate)
	}
	return result
}

func (u *Updater) checkGit(ctx context.Context, result CheckResult) CheckResult {
	if u.monitor == nil {
		result.Message = "no git monitor configured"
		return result
	}

	local, ok := u.monitor.CurrentCommit(ctx)
	if !ok {
		result.Message = "could not resolve local commit"
		return result
	}

	available, remote := u.monitor.CheckForUpdates(ctx)
	if remote == nil {
		result.Message = "could not resolve remote commit"
		return result
	}

	result.Status = CheckStatusSuccess
	result.UpdateAvailable = available
	result.CurrentVersion = local
	result.RemoteVersion = remote.ID
	if available {
		result.CommitsBehind = u.monitor.CommitsBehind(ctx, local)
		result.Message = strings.TrimSpace(remote.Message)
	}
	return result
}

func (u *Updater) checkFileDownload(ctx context.Context, result CheckResult) CheckResult {
	if u.source == nil {
		result.Message = "no file source configured"
		return result
	}

	remote, err := u.source.RemoteVersion(ctx)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	result.Status = CheckStatusSuccess
	result.RemoteVersion = remote
	result.UpdateAvailable = remote != "" && remote != result.CurrentVersion
	return result
}

// PerformUpdate applies a pending update. When invoked from Idle it runs a
// check first; when another update is applying it returns a busy result
// without touching any file.
func (u *Updater) PerformUpdate(ctx context.Context) ApplyResult {
	switch u.getState() {
	case StateApplying, StateVerifying, StateChecking:
		return ApplyResult{Busy: true, Message: "an update operation is already in progress"}
	case StateUpdateAvailable:
		// Proceed.
	default:
		check := u.CheckForUpdates(ctx)
		if check.Status != CheckStatusSuccess {
			return ApplyResult{Message: fmt.Sprintf("update check failed: %s", check.Message)}
		}
		if !check.UpdateAvailable {
			return ApplyResult{Success: true, Message: "no update available"}
		}
	}

	// The guarded transition is the busy gate: of two racing callers only
	// one moves UpdateAvailable -> Applying.
	if !u.transitionTo(StateApplying, StateUpdateAvailable) {
		return ApplyResult{Busy: true, Message: "an update operation is already in progress"}
	}

	started := time.Now().UTC()
	result := u.apply(ctx)
	u.recordApply(ctx, result, started)
	return result
}

func (u *Updater) apply(ctx context.Context) ApplyResult {
	fromVersion := u.config.CurrentVersion()
	record := u.config.Record()

	if record.Deployment.Type == deploy.TypeDevelopment {
		err := newError(ErrCodeDevTree, "development trees are never updated", nil)
		u.setError(err)
		u.transitionTo(StateFailed)
		return ApplyResult{FromVersion: fromVersion, Message: err.Error()}
	}

	if err := u.maintenance.Enable(maintenance.EnableOptions{
		Message:  "An update is being applied.",
		AutoMode: true,
	}); err != nil {
		u.setError(err)
		u.transitionTo(StateFailed)
		return ApplyResult{
			FromVersion: fromVersion,
			Message:     fmt.Sprintf("failed to enable maintenance mode: %v", err),
		}
	}

	// Backups are mandatory unless explicitly disabled: refuse to mutate
	// anything without a slot to roll back to.
	var slot *backup.Slot
	if record.FileDownload.BackupEnabled {
		created, err := u.backups.Create(u.config.FilesToUpdate())
		if err != nil {
			wrapped := newError(ErrCodeBackupFailed, "refusing to apply without a backup", err)
			u.setError(wrapped)
			u.transitionTo(StateFailed)
			return ApplyResult{
				FromVersion: fromVersion,
				Message:     wrapped.Error(),
			}
		}
		slot = created
	} else {
		u.logger.Warn("applying update without backup: backups disabled in config")
	}

	toVersion, output, err := u.applyPayload(ctx, record)
	if err == nil {
		u.transitionTo(StateVerifying)
		err = u.verify(ctx, record)
	}
	if err == nil {
		var hookOutput []byte
		hookOutput, err = u.runHooks(ctx, record.Deployment.TargetDir)
		output = append(output, hookOutput...)
	}

	if err != nil {
		result := u.failAndRollback(fromVersion, slot, err)
		result.Output = u.sanitizedOutput(output)
		return result
	}

	now := time.Now().UTC()
	if cfgErr := u.config.Update(func(r *updconfig.Record) {
		r.VersionTracking.CurrentVersion = toVersion
		r.VersionTracking.LastUpdate = &now
	}); cfgErr != nil {
		u.logger.Warn("failed to record new version", "error", cfgErr)
	}

	u.signalRestart(ctx, record.Deployment.ServiceName)

	if disableErr := u.maintenance.Disable(); disableErr != nil {
		u.logger.Warn("failed to disable maintenance mode", "error", disableErr)
	}

	u.backups.CleanupOld(backup.DefaultKeepCount)
	u.transitionTo(StateSuccess)

	result := ApplyResult{
		Success:     true,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Message:     fmt.Sprintf("updated from %s to %s", fromVersion, toVersion),
		Output:      u.sanitizedOutput(output),
	}
	if slot != nil {
		result.BackupSlot = slot.Name
	}
	u.logger.Info("update applied", "from", fromVersion, "to", toVersion)
	return result
}

// failAndRollback restores the slot created for this apply and reports the
// failure. Maintenance mode stays enabled until an operator resolves it.
func (u *Updater) failAndRollback(fromVersion string, slot *backup.Slot, cause error) ApplyResult {
	u.setError(cause)

	result := ApplyResult{
		FromVersion: fromVersion,
		Message:     fmt.Sprintf("update failed: %v", cause),
	}

	if slot == nil {
		u.transitionTo(StateFailed)
		u.logger.Error("update failed with no backup to restore", "error", cause)
		return result
	}

	result.BackupSlot = slot.Name
	rollback := u.backups.RollbackTo(slot.Name)
	if rollback.Success {
		result.RolledBack = true
		result.Message = fmt.Sprintf("update failed and was rolled back: %v", cause)
		u.transitionTo(StateRolledBack)
		u.logger.Warn("update rolled back", "slot", slot.Name, "error", cause)
	} else {
		result.Message = fmt.Sprintf("update failed: %v (rollback also failed: %s)", cause, rollback.Message)
		u.transitionTo(StateFailed)
		u.logger.Error("update failed and rollback failed",
			"slot", slot.Name, "error", cause, "rollback_error", rollback.Message)
	}
	return result
}

func (u *Updater) applyPayload(ctx context.Context, record updconfig.Record) (string, []byte, error) {
	switch record.UpdateMethod {
	case updconfig.MethodGitPull:
		return u.applyGitPull(ctx, record)
	case updconfig.MethodFileDownload:
		version, err := u.applyFileDownload(ctx, record)
		return version, nil, err
	default:
		return "", nil, newError(ErrCodeApplyFailed,
			fmt.Sprintf("unknown update method %q", record.UpdateMethod), nil)
	}
}

func (u *Updater) applyGitPull(ctx context.Context, record updconfig.Record) (string, []byte, error) {
	branch := record.Repository.Branch
	if err := security.ValidateBranchName(branch); err != nil {
		return "", nil, newError(ErrCodeApplyFailed, "invalid branch name", err)
	}

	output, err := cmdutil.RunWithTimeout(ctx, record.Deployment.TargetDir, GitPullTimeout,
		[]string{"git", "pull", "origin", branch})
	if err != nil {
		return "", output, newError(ErrCodeApplyFailed,
			fmt.Sprintf("git pull failed: %s", strings.TrimSpace(string(output))), err)
	}

	if u.monitor != nil {
		if commit, ok := u.monitor.CurrentCommit(ctx); ok {
			return commit, output, nil
		}
	}
	return u.pendingRemoteVersion(), output, nil
}

// applyFileDownload overwrites each manifest file in declared order. All
// files were snapshotted together before the first write, so a failure on
// a later file rolls the earlier ones back too: partial application is
// never left standing.
func (u *Updater) applyFileDownload(ctx context.Context, record updconfig.Record) (string, error) {
	if u.source == nil {
		return "", newError(ErrCodeApplyFailed, "no file source configured", nil)
	}

	for _, rel := range record.FileDownload.FilesToUpdate {
		if err := security.ValidateRelPath(rel); err != nil {
			return "", newError(ErrCodeApplyFailed, fmt.Sprintf("invalid manifest entry %q", rel), err)
		}

		data, err := u.source.Fetch(ctx, rel)
		if err != nil {
			return "", newError(ErrCodeApplyFailed, fmt.Sprintf("download of %s failed", rel), err)
		}

		dst := filepath.Join(record.Deployment.TargetDir, rel)
		if err := fileutil.WriteFileAtomic(dst, data, 0o644); err != nil {
			return "", newError(ErrCodeApplyFailed, fmt.Sprintf("write of %s failed", rel), err)
		}
	}

	version := u.pendingRemoteVersion()
	if version == "" {
		remote, err := u.source.RemoteVersion(ctx)
		if err == nil {
			version = remote
		}
	}
	if version == "" {
		version = "unknown-" + time.Now().UTC().Format("20060102")
	}
	return version, nil
}

func (u *Updater) verify(ctx context.Context, record updconfig.Record) error {
	switch record.UpdateMethod {
	case updconfig.MethodGitPull:
		if u.monitor != nil {
			if _, ok := u.monitor.CurrentCommit(ctx); !ok {
				return newError(ErrCodeApplyFailed, "checkout unreadable after pull", nil)
			}
		}
	case updconfig.MethodFileDownload:
		for _, rel := range record.FileDownload.FilesToUpdate {
			if !fileutil.FileExists(filepath.Join(record.Deployment.TargetDir, rel)) {
				return newError(ErrCodeApplyFailed,
					fmt.Sprintf("manifest file missing after apply: %s", rel), nil)
			}
		}
	}
	return nil
}

func (u *Updater) runHooks(ctx context.Context, targetDir string) ([]byte, error) {
	var output []byte
	for i, hook := range u.hooks {
		parts, err := cmdutil.ParseCommandList(hook)
		if err != nil {
			return output, newError(ErrCodeApplyFailed, fmt.Sprintf("invalid post-update hook %d", i), err)
		}

		result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
			Dir:     targetDir,
			Timeout: u.hookTimeout,
		}, parts)
		if result != nil {
			output = append(output, result.Output...)
		}
		if err != nil || !result.OK() {
			return output, newError(ErrCodeApplyFailed,
				fmt.Sprintf("post-update hook failed: %s", cmdutil.FormatCommand(parts)), err)
		}
	}
	return output, nil
}

// sanitizedOutput returns the combined command output with configured
// secrets redacted, or "" when output exposure is disabled.
func (u *Updater) sanitizedOutput(output []byte) string {
	if !u.exposeOutput || len(output) == 0 {
		return ""
	}
	return string(cmdutil.SanitizeOutput(output, u.secrets))
}

// signalRestart asks the service manager to restart the appliance. The new
// code is already in place, so a restart failure is logged with a manual
// instruction and does not fail the update.
func (u *Updater) signalRestart(ctx context.Context, serviceName string) {
	if u.restarter == nil {
		u.logger.Info("no service manager configured; restart manually",
			"hint", "systemctl restart "+serviceName)
		return
	}
	if err := u.restarter.Restart(ctx, serviceName); err != nil {
		u.logger.Warn("service restart signal failed; restart manually",
			"service", serviceName, "error", err,
			"hint", "systemctl restart "+serviceName)
	}
}

// Rollback restores a named backup slot on operator demand and records the
// outcome.
func (u *Updater) Rollback(ctx context.Context, slotName string) backup.Result {
	result := u.backups.RollbackTo(slotName)

	if u.history != nil {
		status := history.StatusFailed
		if result.Success {
			status = history.StatusRolledBack
		}
		if _, err := u.history.Record(ctx, &history.UpdateRecord{
			Operation:      history.OpRollback,
			DeploymentType: string(u.config.DeploymentType()),
			Status:         status,
			ErrorMessage:   messageUnlessSuccess(result),
		}); err != nil {
			u.logger.Warn("failed to record rollback", "error", err)
		}
	}

	if result.Success {
		u.transitionTo(StateRolledBack)
	}
	return result
}

func messageUnlessSuccess(result backup.Result) string {
	if result.Success {
		return ""
	}
	return result.Message
}

// Status returns a snapshot of the updater.
func (u *Updater) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()

	status := Status{
		State:          u.state,
		CurrentVersion: u.config.CurrentVersion(),
		LastChecked:    u.lastChecked,
		BackupCount:    len(u.backups.List()),
	}
	if u.lastError != nil {
		status.LastError = u.lastError.Error()
	}
	return status
}

func (u *Updater) recordCheck(ctx context.Context, result CheckResult) {
	if u.history == nil {
		return
	}

	status := history.StatusFailed
	if result.Status == CheckStatusSuccess {
		status = history.StatusNoUpdate
		if result.UpdateAvailable {
			status = history.StatusSuccess
		}
	}
	if _, err := u.history.Record(ctx, &history.UpdateRecord{
		Operation:      history.OpCheck,
		DeploymentType: string(u.config.DeploymentType()),
		Status:         status,
		FromVersion:    result.CurrentVersion,
		ToVersion:      result.RemoteVersion,
		StartedAt:      result.CheckTime,
		ErrorMessage:   checkErrorMessage(result),
	}); err != nil {
		u.logger.Warn("failed to record update check", "error", err)
	}
}

func checkErrorMessage(result CheckResult) string {
	if result.Status == CheckStatusSuccess {
		return ""
	}
	return result.Message
}

func (u *Updater) recordApply(ctx context.Context, result ApplyResult, started time.Time) {
	if u.history == nil || result.Busy {
		return
	}

	completed := time.Now().UTC()
	status := history.StatusFailed
	switch {
	case result.Success:
		status = history.StatusSuccess
	case result.RolledBack:
		status = history.StatusRolledBack
	}

	record := &history.UpdateRecord{
		Operation:       history.OpApply,
		DeploymentType:  string(u.config.DeploymentType()),
		Status:          status,
		FromVersion:     result.FromVersion,
		ToVersion:       result.ToVersion,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: completed.Sub(started).Seconds(),
	}
	if !result.Success {
		record.ErrorMessage = result.Message
	}
	if _, err := u.history.Record(ctx, record); err != nil {
		u.logger.Warn("failed to record update attempt", "error", err)
	}
}

func (u *Updater) pendingRemoteVersion() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pendingRemote
}

func (u *Updater) transitionTo(newState State, validFrom ...State) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(validFrom) > 0 && !slices.Contains(validFrom, u.state) {
		return false
	}

	u.logger.Debug("state transition", "from", string(u.state), "to", string(newState))
	u.state = newState
	return true
}

func (u *Updater) getState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Updater) setError(err error) {
	u.mu.Lock()
	u.lastError = err
	u.mu.Unlock()
}
