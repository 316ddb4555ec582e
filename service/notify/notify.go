package notify

import (
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

const (
	TypePush    = "push"
	TypeEmail   = "email"
	TypeInApp   = "inapp"
	TypeWebhook = "webhook"
)

// Notification is one queued delivery. Lifecycle: queued -> processing ->
// sent | requeued-with-backoff | failed list.
type Notification struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	RecipientID  string         `json:"recipient_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledFor time.Time      `json:"scheduled_for,omitempty"`
	FailedAt     time.Time      `json:"failed_at,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

// Opts tunes a single enqueue.
type Opts struct {
	Priority     Priority
	ScheduledFor time.Time
}
