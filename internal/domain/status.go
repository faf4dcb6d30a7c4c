package domain

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress checkpoints written by the engines.
const (
	ProgressStarted   = 10
	ProgressConverter = 50
	ProgressDone      = 100
)
