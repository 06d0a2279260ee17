// Package fakes provides in-memory test doubles for the service's
// collaborators. They are used by package tests across the module.
package fakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// --- Persistence ---

// NotificationStore is an in-memory notify.NotificationStore.
type NotificationStore struct {
	mu            sync.Mutex
	notifications map[string]notify.Notification
	contacts      map[string]notify.Contact
	acked         []string
	PingErr       error
	Err           error
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		notifications: make(map[string]notify.Notification),
		contacts:      make(map[string]notify.Contact),
	}
}

// AddContact registers fan-out addresses for a user.
func (s *NotificationStore) AddContact(c notify.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.UserID] = c
}

// Get returns the stored notification by ID.
func (s *NotificationStore) Get(id string) (notify.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	return n, ok
}

// Acked returns the IDs passed to MarkAcknowledged, in order.
func (s *NotificationStore) Acked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func (s *NotificationStore) Save(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if _, ok := s.notifications[n.ID]; ok {
		return nil
	}
	s.notifications[n.ID] = n
	return nil
}

func (s *NotificationStore) UnreadCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *NotificationStore) Recent(_ context.Context, userID string, limit int) ([]notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) UnacknowledgedSince(_ context.Context, userID string, since time.Time, limit int) ([]notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.UserID == userID && n.RequireAck && !n.Acknowledged && n.CreatedAt.After(since) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *NotificationStore) MarkRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return notify.ErrNotFound
	}
	n.Read = true
	s.notifications[notificationID] = n
	return nil
}

func (s *NotificationStore) MarkAllRead(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for id, n := range s.notifications {
		if n.UserID == userID {
			n.Read = true
			s.notifications[id] = n
		}
	}
	return nil
}

func (s *NotificationStore) MarkAcknowledged(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.acked = append(s.acked, notificationID)
	n, ok := s.notifications[notificationID]
	if !ok || n.UserID != userID {
		return notify.ErrNotFound
	}
	n.Acknowledged = true
	s.notifications[notificationID] = n
	return nil
}

func (s *NotificationStore) UpdateStatus(_ context.Context, notificationID string, status notify.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	n, ok := s.notifications[notificationID]
	if !ok {
		return notify.ErrNotFound
	}
	if n.Status == "" || n.Status.CanAdvanceTo(status) {
		n.Status = status
		s.notifications[notificationID] = n
	}
	return nil
}

func (s *NotificationStore) Contact(_ context.Context, userID string) (notify.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[userID]
	if !ok {
		return notify.Contact{}, notify.ErrNotFound
	}
	return c, nil
}

func (s *NotificationStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// --- Sinks ---

// EmailSender records messages and fails the first FailTimes sends.
type EmailSender struct {
	mu        sync.Mutex
	Sent      []notify.EmailMessage
	FailTimes int
	calls     int
}

func (e *EmailSender) SendEmail(_ context.Context, msg notify.EmailMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.FailTimes {
		return notify.ErrTransport
	}
	e.Sent = append(e.Sent, msg)
	return nil
}

// Calls returns how many sends were attempted.
func (e *EmailSender) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Messages returns a copy of the delivered messages.
func (e *EmailSender) Messages() []notify.EmailMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notify.EmailMessage(nil), e.Sent...)
}

// SMSSender records messages and fails the first FailTimes sends.
type SMSSender struct {
	mu        sync.Mutex
	Sent      []notify.SMSMessage
	FailTimes int
	calls     int
}

func (s *SMSSender) SendSMS(_ context.Context, msg notify.SMSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.FailTimes {
		return notify.ErrTransport
	}
	s.Sent = append(s.Sent, msg)
	return nil
}

func (s *SMSSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *SMSSender) Messages() []notify.SMSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.SMSMessage(nil), s.Sent...)
}

// ReportRunner records report requests.
type ReportRunner struct {
	mu   sync.Mutex
	Runs []notify.ReportRequest
	Err  error
}

func (r *ReportRunner) RunReport(_ context.Context, req notify.ReportRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Runs = append(r.Runs, req)
	return nil
}

func (r *ReportRunner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Runs)
}
