// Package notify contains the public domain models, collaborator interfaces and
// sentinel errors for the campus notification delivery service. It defines the
// contract between domain services (producers) and the delivery pipeline.
package notify

import (
	"encoding/json"
	"time"
)

// Priority is the urgency of a notification or job.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric rank. Lower ranks are served first.
// Unknown priorities are treated as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 4
	default:
		return 3
	}
}

// Normalize returns p, or medium when p is empty or unknown.
func (p Priority) Normalize() Priority {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return p
	default:
		return PriorityMedium
	}
}

// Channel is a delivery channel for a notification.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// JobType identifies a logical queue.
type JobType string

const (
	JobNotification JobType = "notification"
	JobEmail        JobType = "email"
	JobSMS          JobType = "sms"
	JobReport       JobType = "report"
)

// JobTypes lists every logical queue in a stable order.
var JobTypes = []JobType{JobNotification, JobEmail, JobSMS, JobReport}

// Payload is the user-facing content of a notification.
type Payload struct {
	Title      string            `json:"title" validate:"required,max=200"`
	Message    string            `json:"message" validate:"required,max=4000"`
	Category   string            `json:"category,omitempty"`
	Priority   Priority          `json:"priority,omitempty"`
	RequireAck bool              `json:"requireAck,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

// NotificationJob is the unit of work for the notification queue. Exactly one of
// UserID or Role is set.
type NotificationJob struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	Role       string    `json:"role,omitempty"`
	Payload    Payload   `json:"payload"`
	Channels   []Channel `json:"channels"`
	Attempts   int       `json:"attempts"`
	Status     JobStatus `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EffectiveStatus reports the status a reader should observe at now. A
// non-terminal job past its payload's ExpiresAt reads as expired.
func (j NotificationJob) EffectiveStatus(now time.Time) JobStatus {
	if j.Status.Terminal() || j.Payload.ExpiresAt == nil {
		return j.Status
	}
	if now.After(*j.Payload.ExpiresAt) {
		return StatusExpired
	}
	return j.Status
}

// Notification is the persisted record of a notification as seen by the
// domain store and the client protocol.
type Notification struct {
	ID           string    `json:"id" db:"id" firestore:"id"`
	UserID       string    `json:"userId" db:"user_id" firestore:"user_id"`
	Title        string    `json:"title" db:"title" firestore:"title"`
	Message      string    `json:"message" db:"message" firestore:"message"`
	Category     string    `json:"category,omitempty" db:"category" firestore:"category"`
	Priority     Priority  `json:"priority" db:"priority" firestore:"priority"`
	RequireAck   bool      `json:"requireAck" db:"require_ack" firestore:"require_ack"`
	Read         bool      `json:"read" db:"is_read" firestore:"is_read"`
	Acknowledged bool      `json:"acknowledged" db:"acknowledged" firestore:"acknowledged"`
	Status       JobStatus `json:"status" db:"status" firestore:"status"`
	CreatedAt    time.Time `json:"timestamp" db:"created_at" firestore:"created_at"`
}

// Connection is the gateway's record of a live client connection.
type Connection struct {
	UserID         string    `json:"userId"`
	ConnectionID   string    `json:"connectionId"`
	Role           string    `json:"role"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivity   time.Time `json:"lastActivity"`
	ReconnectCount int       `json:"reconnectCount"`
}

// ConnectionInfo is what the presence cache stores for an online user.
type ConnectionInfo struct {
	ServerInstanceID string `json:"serverInstanceId"`
	ConnectionID     string `json:"connectionId"`
	Role             string `json:"role"`
	ConnectedAt      int64  `json:"connectedAt"`
}

// PendingAck is the bookkeeping record for a notification that requires a
// confirmed receipt.
type PendingAck struct {
	NotificationID string       `json:"notificationId"`
	UserID         string       `json:"userId"`
	Snapshot       Notification `json:"snapshot"`
	ExpiresAt      time.Time    `json:"expiresAt"`
	RetryCount     int          `json:"retryCount"`
}

// Contact holds the addresses used when fanning out to email and SMS.
type Contact struct {
	UserID string `json:"userId" db:"user_id" firestore:"user_id"`
	Email  string `json:"email" db:"email" firestore:"email"`
	Phone  string `json:"phone" db:"phone" firestore:"phone"`
	Role   string `json:"role" db:"role" firestore:"role"`
}

// EmailMessage is the payload of an email job.
type EmailMessage struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=300"`
	Body    string `json:"body" validate:"required"`
	HTML    bool   `json:"html,omitempty"`
}

// SMSMessage is the payload of an SMS job.
type SMSMessage struct {
	To   string `json:"to" validate:"required,e164"`
	Body string `json:"body" validate:"required,max=1600"`
}

// ReportRequest is the payload of a report job.
type ReportRequest struct {
	Name        string          `json:"name" validate:"required"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
}

// DispatchMode tells callers which path served their request.
type DispatchMode string

const (
	ModeBroker DispatchMode = "broker"
	ModeInline DispatchMode = "inline"
)

// JobDescriptor is returned by every enqueue call, whichever path served it.
type JobDescriptor struct {
	ID         string       `json:"id"`
	Type       JobType      `json:"type"`
	Queue      string       `json:"queue"`
	Priority   Priority     `json:"priority"`
	Mode       DispatchMode `json:"mode"`
	Status     JobStatus    `json:"status"`
	Result     string       `json:"result,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// QueueStats holds counters for one logical queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// DispatchStats is the answer to a stats request. Enabled is false while the
// dispatcher runs in fallback mode.
type DispatchStats struct {
	Enabled bool                  `json:"enabled"`
	Mode    DispatchMode          `json:"mode"`
	Queues  map[string]QueueStats `json:"queues"`
	Error   string                `json:"error,omitempty"`
}
