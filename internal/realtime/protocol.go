package realtime

import (
	"encoding/json"
	"time"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// Client to server events.
const (
	EventHeartbeat   = "heartbeat"
	EventMarkRead    = "notification:mark-read"
	EventMarkAllRead = "notification:mark-all-read"
	EventAcknowledge = "notification:acknowledge"
)

// Server to client events.
const (
	EventHeartbeatAck     = "heartbeat-ack"
	EventNew              = "notification:new"
	EventUnreadCount      = "notification:unread-count"
	EventMissed           = "notification:missed"
	EventConnectionStatus = "connection:status"
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotificationEvent is the client-facing shape of a notification.
type NotificationEvent struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Category   string          `json:"category,omitempty"`
	Priority   notify.Priority `json:"priority"`
	RequireAck bool            `json:"requireAck"`
	Timestamp  time.Time       `json:"timestamp"`
}

// UnreadCountEvent carries the current unread total.
type UnreadCountEvent struct {
	Count int `json:"count"`
}

// MissedEvent carries notifications the client may not have seen.
type MissedEvent struct {
	Notifications []NotificationEvent `json:"notifications"`
	Count         int                 `json:"count"`
}

// ConnectionStatusEvent tells the client whether its socket is authoritative.
type ConnectionStatusEvent struct {
	Connected bool      `json:"connected"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAckEvent answers a heartbeat.
type HeartbeatAckEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

type notificationRef struct {
	NotificationID string `json:"notificationId"`
}

// NewNotificationEvent converts a stored notification for the wire.
func NewNotificationEvent(n notify.Notification) NotificationEvent {
	return NotificationEvent{
		ID:         n.ID,
		Title:      n.Title,
		Message:    n.Message,
		Category:   n.Category,
		Priority:   n.Priority,
		RequireAck: n.RequireAck,
		Timestamp:  n.CreatedAt,
	}
}

func newMissedEvent(items []notify.Notification) MissedEvent {
	events := make([]NotificationEvent, 0, len(items))
	for _, n := range items {
		events = append(events, NewNotificationEvent(n))
	}
	return MissedEvent{Notifications: events, Count: len(events)}
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
