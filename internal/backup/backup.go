// Package backup snapshots the files an update is about to overwrite and
// restores them on demand.
//
// One slot is one pre-update snapshot: a timestamp-named directory under the
// backup root mirroring the relative paths it covers, plus a manifest
// listing them. Slots are written once and never mutated afterwards;
// rollback only reads them.
package backup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mioxoim/whisper-appliance-sub001/internal/security"
	"github.com/mioxoim/whisper-appliance-sub001/pkg/fileutil"
)

const (
	// SlotPrefix is the naming convention for backup slot directories.
	SlotPrefix = "backup_"

	// slotTimeFormat produces time-ordered slot names.
	slotTimeFormat = "20060102_150405"

	// manifestFileName lists the relative paths a slot covers.
	manifestFileName = "backup_manifest.json"

	// DefaultKeepCount is how many slots the pruning policy retains.
	DefaultKeepCount = 5
)

// Slot describes one snapshot.
type Slot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Result is the structured outcome of a rollback. Rollback is itself a
// failure-recovery path, so it reports problems instead of raising them.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type slotManifest struct {
	CreatedAt time.Time `json:"created_at"`
	Files     []string  `json:"files"`
}

// Manager creates, lists, restores and prunes backup slots.
type Manager struct {
	// TargetDir is the deployment root the snapshots are taken from.
	TargetDir string

	// BackupDir is the slot root directory.
	BackupDir string

	logger *slog.Logger
}

// NewManager creates a backup manager for the given deployment root.
func NewManager(targetDir, backupDir string, logger *slog.Logger) *Manager {
	return &Manager{
		TargetDir: targetDir,
		BackupDir: backupDir,
		logger:    logger,
	}
}

// Create snapshots every existing path from files (relative to TargetDir)
// into a new timestamp-named slot. Paths that do not exist are skipped
// silently: they simply have nothing to roll back. Paths escaping the
// target root are rejected before anything is copied.
func (m *Manager) Create(files []string) (*Slot, error) {
	for _, rel := range files {
		if err := security.ValidateRelPath(rel); err != nil {
			return nil, fmt.Errorf("invalid backup path %q: %w", rel, err)
		}
	}

	if err := os.MkdirAll(m.BackupDir, security.PermDirectory); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}

	slotPath, name, err := m.newSlotDir()
	if err != nil {
		return nil, err
	}

	var backed []string
	for _, rel := range files {
		src := filepath.Join(m.TargetDir, rel)
		if !fileutil.PathExists(src) {
			continue
		}

		dst := filepath.Join(slotPath, rel)
		if err := fileutil.CopyPath(src, dst); err != nil {
			// A partial slot must not look usable.
			os.RemoveAll(slotPath)
			return nil, fmt.Errorf("failed to snapshot %s: %w", rel, err)
		}
		backed = append(backed, rel)
	}

	createdAt := time.Now().UTC()
	manifest := slotManifest{CreatedAt: createdAt, Files: backed}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		os.RemoveAll(slotPath)
		return nil, fmt.Errorf("failed to marshal slot manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(slotPath, manifestFileName), manifestData, security.PermConfigFile); err != nil {
		os.RemoveAll(slotPath)
		return nil, fmt.Errorf("failed to write slot manifest: %w", err)
	}

	slot := &Slot{
		Name:      name,
		Path:      slotPath,
		CreatedAt: createdAt,
		SizeBytes: fileutil.DirSize(slotPath),
	}

	m.logger.Info("backup slot created",
		"slot", slot.Name, "files", len(backed), "size_bytes", slot.SizeBytes)
	return slot, nil
}

// newSlotDir creates a uniquely named slot directory. A numeric suffix
// resolves collisions when two backups land in the same second.
func (m *Manager) newSlotDir() (string, string, error) {
	base := SlotPrefix + time.Now().UTC().Format(slotTimeFormat)

	name := base
	for i := 2; ; i++ {
		slotPath := filepath.Join(m.BackupDir, name)
		err := os.Mkdir(slotPath, security.PermDirectory)
		if err == nil {
			return slotPath, name, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("failed to create backup slot: %w", err)
		}
		if i > 100 {
			return "", "", fmt.Errorf("too many backup slots with the same timestamp")
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// List returns all slots, newest first. Entries that cannot be stated are
// skipped; a failed stat must not abort the whole listing.
func (m *Manager) List() []Slot {
	entries, err := os.ReadDir(m.BackupDir)
	if err != nil {
		return []Slot{}
	}

	var slots []Slot
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), SlotPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			m.logger.Debug("skipping unreadable backup entry", "name", entry.Name(), "error", err)
			continue
		}
		slotPath := filepath.Join(m.BackupDir, entry.Name())
		slots = append(slots, Slot{
			Name:      entry.Name(),
			Path:      slotPath,
			CreatedAt: info.ModTime(),
			SizeBytes: fileutil.DirSize(slotPath),
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		return slots[i].CreatedAt.After(slots[j].CreatedAt)
	})

	if slots == nil {
		return []Slot{}
	}
	return slots
}

// RollbackTo restores every path recorded in the named slot. For each entry
// the live path is removed first, then the snapshot copy takes its place,
// so the restored tree exactly matches the backup instead of merging stale
// leftovers. I/O errors are reported in the result, never raised.
func (m *Manager) RollbackTo(name string) Result {
	if err := security.ValidateSlotName(name); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("invalid backup slot name: %v", err)}
	}

	slotPath := filepath.Join(m.BackupDir, name)
	if !fileutil.DirExists(slotPath) {
		return Result{Success: false, Message: fmt.Sprintf("backup slot not found: %s", name)}
	}

	files, err := m.slotFiles(slotPath)
	if err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to read backup slot: %v", err)}
	}

	restored := 0
	for _, rel := range files {
		if err := security.ValidateRelPath(rel); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("refusing to restore %q: %v", rel, err)}
		}

		live := filepath.Join(m.TargetDir, rel)
		src := filepath.Join(slotPath, rel)

		if fileutil.PathExists(live) {
			if err := os.RemoveAll(live); err != nil {
				return Result{Success: false, Message: fmt.Sprintf("failed to remove %s: %v", rel, err)}
			}
		}
		if err := fileutil.CopyPath(src, live); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("failed to restore %s: %v", rel, err)}
		}
		restored++
	}

	m.logger.Info("rollback completed", "slot", name, "files", restored)
	return Result{Success: true, Message: fmt.Sprintf("restored %d paths from %s", restored, name)}
}

// slotFiles reads the slot manifest. Older slots without a manifest fall
// back to the slot's top-level entries.
func (m *Manager) slotFiles(slotPath string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(slotPath, manifestFileName))
	if err == nil {
		var manifest slotManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("corrupt slot manifest: %w", err)
		}
		return manifest.Files, nil
	}

	entries, err := os.ReadDir(slotPath)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.Name() == manifestFileName {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}

// CleanupOld removes every slot beyond the keep-count, oldest first.
// Per-slot deletion errors are swallowed; eviction is best effort and never
// fatal. Invoking it again immediately is a no-op.
func (m *Manager) CleanupOld(keep int) {
	if keep < 0 {
		keep = 0
	}

	slots := m.List()
	if len(slots) <= keep {
		return
	}

	for _, slot := range slots[keep:] {
		if err := os.RemoveAll(slot.Path); err != nil {
			m.logger.Warn("failed to remove old backup slot", "slot", slot.Name, "error", err)
			continue
		}
		m.logger.Info("pruned old backup slot", "slot", slot.Name)
	}
}
