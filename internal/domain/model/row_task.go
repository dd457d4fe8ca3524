package model

import "time"

type RowTaskStatus string

const (
	RowTaskPending    RowTaskStatus = "pending"
	RowTaskInProgress RowTaskStatus = "in_progress"
	RowTaskDone       RowTaskStatus = "done"
	RowTaskFailed     RowTaskStatus = "failed"
)

// RowTask is one (WorkCell, Row) pair: the finest-grained schedulable item.
// The WorkCell reference is immutable and the row's dataset must equal the
// cell's dataset. Status moves forward except for watchdog resets
// (in_progress -> pending), which are explicit, logged transitions.
type RowTask struct {
	ID         string
	WorkCellID string
	RowID      string
	Status     RowTaskStatus
	RetryCount int
	// ClaimedAt is set on every transition to in_progress and guards the
	// watchdog's compare-and-set reset.
	ClaimedAt *time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the task can never be scheduled again.
func (t *RowTask) Terminal() bool {
	return t.Status == RowTaskDone || t.Status == RowTaskFailed
}
