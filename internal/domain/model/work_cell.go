package model

import "time"

type WorkCellStatus string

const (
	WorkCellAvailable WorkCellStatus = "available"
	WorkCellInUse     WorkCellStatus = "in_use"
	WorkCellDone      WorkCellStatus = "done"
)

// WorkCell is the unit of coordination: one (model, prompt, dataset) triple.
// Invariant: ActiveWorkers > 0 implies Status == in_use. A cell is never
// deleted, only re-opened by the watchdog when a finished task is reset.
type WorkCell struct {
	ID            string
	ModelID       string
	PromptID      string
	DatasetID     string
	Status        WorkCellStatus
	ActiveWorkers int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
