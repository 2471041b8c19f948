package domain

import "time"

// DLQStatus tracks a dead-letter entry through the sweep cycle.
type DLQStatus string

const (
	DLQPending           DLQStatus = "pending"
	DLQRetried           DLQStatus = "retried"
	DLQSucceeded         DLQStatus = "succeeded"
	DLQFailed            DLQStatus = "failed"
	DLQPermanentlyFailed DLQStatus = "permanently_failed"
)

// Terminal reports whether the entry is eligible for retention cleanup
// and no longer swept.
func (s DLQStatus) Terminal() bool {
	return s == DLQSucceeded || s == DLQFailed || s == DLQPermanentlyFailed
}

// DeadLetterEntry holds a schedule item that exhausted its item-level
// retries. Payload is the JSON-encoded item signal to re-submit.
type DeadLetterEntry struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Status      DLQStatus `json:"status"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Alert is the downstream notification raised when an item fails
// permanently. Resolved alerts age out with the daily cleanup.
type Alert struct {
	ID         string
	ScheduleID string
	Message    string
	Resolved   bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
