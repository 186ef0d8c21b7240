package metadata

import "time"

// Failed operation statuses. Succeeded and abandoned are terminal.
const (
	OperationQueued    = "queued"
	OperationSucceeded = "succeeded"
	OperationAbandoned = "abandoned"
)

// OperationLogInsert replays a log entry that failed to persist.
const OperationLogInsert = "log_insert"

// FailedOperation is a durable unit of work queued for timed replay.
type FailedOperation struct {
	ID            string     `json:"id"`
	OperationType string     `json:"operation_type"`
	Payload       string     `json:"payload"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   time.Time  `json:"next_retry_at"`
	Status        string     `json:"status"`
	LastError     string     `json:"last_error,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsTerminal reports whether the worker must leave the operation alone.
func (op *FailedOperation) IsTerminal() bool {
	return op.Status == OperationSucceeded || op.Status == OperationAbandoned
}
