package model

import "time"

// Prediction is the result of a completed RowTask. The predictions table is
// append-only: a retried task writes a new record, and the most recent record
// per (WorkCell, Row) is authoritative.
type Prediction struct {
	// ID is a ULID so records for one (cell, row) sort by creation time.
	ID         string
	WorkCellID string
	RowID      string
	Label      string
	LatencyMs  int64
	CreatedAt  time.Time
}
