package notify

import (
	"context"
	"time"
)

// NotificationStore is the domain persistence collaborator. The pipeline
// never owns the schema; it reads counts and history and records state changes.
type NotificationStore interface {
	// Save upserts a notification record. Saving an existing ID is a no-op.
	Save(ctx context.Context, n Notification) error
	UnreadCount(ctx context.Context, userID string) (int, error)
	// Recent returns the newest unread notifications, newest first.
	Recent(ctx context.Context, userID string, limit int) ([]Notification, error)
	// UnacknowledgedSince returns notifications created after since that still
	// wait for a client acknowledgment, oldest first.
	UnacknowledgedSince(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error)
	// MarkRead is idempotent: marking a read notification again changes nothing.
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) error
	MarkAcknowledged(ctx context.Context, userID, notificationID string) error
	// UpdateStatus only ever moves a notification forward.
	UpdateStatus(ctx context.Context, notificationID string, status JobStatus) error
	Contact(ctx context.Context, userID string) (Contact, error)
	Ping(ctx context.Context) error
}

// EmailSender is an outbound mail transport.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// SMSSender is an outbound SMS transport.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}

// ReportRunner produces a report out of band.
type ReportRunner interface {
	RunReport(ctx context.Context, req ReportRequest) error
}
