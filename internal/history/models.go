package history

import "time"

// Operation kinds recorded in the history store.
const (
	OpCheck    = "check"
	OpApply    = "apply"
	OpRollback = "rollback"
)

// Statuses recorded in the history store.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusNoUpdate   = "no_update"
)

// UpdateRecord is one row of update history.
type UpdateRecord struct {
	ID              int64
	Operation       string
	DeploymentType  string
	Status          string
	FromVersion     string
	ToVersion       string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	ErrorMessage    string
}
