package transfer

import (
	"time"
)

// TransferStatus represents the current status of a download run
type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
	StatusCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s TransferStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the final outcome of a download run.
type Result struct {
	RunID    string
	Status   TransferStatus
	Err      error // reason when Status is failed or cancelled
	Verified int
	Pieces   int
	Suspects map[string]int
	Elapsed  time.Duration
}

// Completed reports whether every piece was verified and persisted.
func (r Result) Completed() bool {
	return r.Status == StatusCompleted
}
