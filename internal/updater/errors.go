package updater

import "fmt"

// Error codes for update operations.
const (
	ErrCodeBackupFailed = "BACKUP_FAILED"
	ErrCodeApplyFailed  = "APPLY_FAILED"
	ErrCodeDevTree      = "DEV_TREE"
)

// Error is an update-specific error with a stable code.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
