package domain

import "time"

// QueueStatus is the lease/lifecycle field of a schedule item. The
// pending/queued -> processing transition is the only lease mechanism;
// completed and cancelled are sticky.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether no further lease attempt may touch the item.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueCancelled
}

// ItemStatus is the content-facing outcome, distinct from queue mechanics.
type ItemStatus string

const (
	StatusScheduled ItemStatus = "scheduled"
	StatusPublished ItemStatus = "published"
	StatusFailed    ItemStatus = "failed"
	StatusCancelled ItemStatus = "cancelled"
)

const (
	// DefaultMaxAttempts bounds item-level publish retries.
	DefaultMaxAttempts = 3
	// DefaultDLQMaxAttempts bounds dead-letter re-submissions.
	DefaultDLQMaxAttempts = 5
)

// ScheduleItem is one unit of scheduled publish work. ProjectID is the
// fan-out/concurrency key.
type ScheduleItem struct {
	ID              string         `json:"id"`
	ContentID       string         `json:"contentId"`
	ProjectID       string         `json:"projectId"`
	ScheduledFor    time.Time      `json:"scheduledFor"`
	QueueStatus     QueueStatus    `json:"queueStatus"`
	Status          ItemStatus     `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"maxAttempts"`
	PublishDelaySec int            `json:"publishDelay,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	JobID           *string        `json:"jobId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Metadata keys stamped by the mutation operations and the orchestrator.
const (
	MetaPartialSuccess   = "partialSuccess"
	MetaFailures         = "failures"
	MetaManualTrigger    = "manualTrigger"
	MetaTriggeredBy      = "triggeredBy"
	MetaTriggeredAt      = "triggeredAt"
	MetaCancelledBy      = "cancelledBy"
	MetaCancelledAt      = "cancelledAt"
	MetaCancelReason     = "reason"
	MetaRescheduledBy    = "rescheduledBy"
	MetaRescheduledAt    = "rescheduledAt"
	MetaPreviousSchedule = "previousSchedule"
)

// Content is the minimal projection of the content record this core is
// allowed to touch: enough to flip it to published.
type Content struct {
	ID          string
	ProjectID   string
	Status      ItemStatus
	PublishedAt *time.Time
}

// PlatformType identifies which publisher adapter handles a target.
type PlatformType string

const (
	PlatformTwitter  PlatformType = "twitter"
	PlatformLinkedIn PlatformType = "linkedin"
	PlatformFacebook PlatformType = "facebook"
	PlatformBlog     PlatformType = "blog"
)

// PlatformTarget is one destination for a publish attempt, resolved at
// orchestration time from the content's configured platforms.
type PlatformTarget struct {
	PlatformID  string
	Type        PlatformType
	IsConnected bool
}

// PublishResult is the per-platform outcome. Platform failures are data,
// never Go errors: one platform failing must not abort the rest.
type PublishResult struct {
	PlatformID   string       `json:"platformId"`
	PlatformType PlatformType `json:"platformType"`
	Success      bool         `json:"success"`
	PublishedURL string       `json:"publishedUrl,omitempty"`
	Error        string       `json:"error,omitempty"`
}
