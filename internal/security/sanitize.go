package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	branchPattern  = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	servicePattern = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	slotPattern    = regexp.MustCompile(`^backup_[0-9]{8}_[0-9]{6}(_[0-9]+)?$`)
)

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateServiceName ensures a service unit name is safe to pass to the
// service manager.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("service name cannot start with '-'")
	}
	if !servicePattern.MatchString(name) {
		return fmt.Errorf("service name contains invalid characters")
	}
	return nil
}

// ValidateSlotName ensures a backup slot name matches the naming convention
// and cannot escape the backup root.
func ValidateSlotName(name string) error {
	if !slotPattern.MatchString(name) {
		return fmt.Errorf("invalid backup slot name: %s", name)
	}
	return nil
}

// ValidateRelPath ensures a manifest entry is a clean relative path that
// stays inside the deployment root. Prevents path traversal through update
// manifests and backup slot contents.
func ValidateRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(rel) {
		return fmt.Errorf("path must be relative: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected: %s", rel)
	}
	return nil
}

// SanitizePathWithin resolves targetPath and ensures it stays within basePath.
// Returns the cleaned absolute target path.
func SanitizePathWithin(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absTarget)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", absTarget, absBase)
	}

	return absTarget, nil
}
