package domain

import "time"

// Signal names. These are the logical event schemas exchanged between
// the fan-out trigger, the project drainer and the publish workers.
const (
	SignalProject    = "scheduled/publish.project"
	SignalItem       = "scheduled/publish.item"
	SignalManual     = "scheduled/publish.manual"
	SignalCancel     = "scheduled/publish.cancel"
	SignalReschedule = "scheduled/publish.reschedule"
)

// ProjectSignal asks a worker to drain one project's due items.
type ProjectSignal struct {
	ProjectID string `json:"projectId"`
}

// ItemSignal asks a worker to run one publish attempt for one item.
// Attempt is 1-based and owned by the dispatch worker; DeadLetterID is
// set only on re-submissions coming out of the DLQ sweep.
type ItemSignal struct {
	ScheduleID   string `json:"scheduleId"`
	ContentID    string `json:"contentId"`
	ProjectID    string `json:"projectId"`
	Attempt      int    `json:"attempt"`
	DeadLetterID string `json:"deadLetterId,omitempty"`
}

// ManualSignal is the payload of a user-initiated immediate publish.
type ManualSignal struct {
	ScheduleID string `json:"scheduleId"`
	UserID     string `json:"userId"`
}

// CancelSignal stops future processing of a schedule. Cancellation is
// cooperative: an in-flight attempt is not interrupted, only the next
// lease attempt observes the cancelled state.
type CancelSignal struct {
	ScheduleID string `json:"scheduleId"`
	UserID     string `json:"userId"`
	Reason     string `json:"reason,omitempty"`
}

// RescheduleSignal moves a schedule to a new publish time.
type RescheduleSignal struct {
	ScheduleID      string    `json:"scheduleId"`
	NewScheduleTime time.Time `json:"newScheduleTime"`
	UserID          string    `json:"userId"`
}
