// Package persistence contains the domain NotificationStore implementations.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	notificationsCollection = "notifications"
	contactsCollection      = "contacts"
)

// FirestoreStore implements notify.NotificationStore using Google Cloud Firestore.
// Notifications are documents keyed by their ID; contacts are keyed by user ID.
type FirestoreStore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreStore{
		client: client,
		logger: logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) notifications() *firestore.CollectionRef {
	return s.client.Collection(notificationsCollection)
}

// Save creates the document. An existing document is left untouched.
func (s *FirestoreStore) Save(ctx context.Context, n notify.Notification) error {
	n.CreatedAt = n.CreatedAt.UTC()
	n.Priority = n.Priority.Normalize()
	_, err := s.notifications().Doc(n.ID).Create(ctx, n)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("save notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *FirestoreStore) unread(userID string) firestore.Query {
	return s.notifications().Where("user_id", "==", userID).Where("is_read", "==", false)
}

func (s *FirestoreStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	snaps, err := s.unread(userID).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", userID, err)
	}
	return len(snaps), nil
}

func (s *FirestoreStore) Recent(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	q := s.unread(userID).OrderBy("created_at", firestore.Desc).Limit(limit)
	return s.collect(ctx, q)
}

func (s *FirestoreStore) UnacknowledgedSince(ctx context.Context, userID string, since time.Time, limit int) ([]notify.Notification, error) {
	q := s.notifications().
		Where("user_id", "==", userID).
		Where("require_ack", "==", true).
		Where("acknowledged", "==", false).
		Where("created_at", ">", since.UTC()).
		OrderBy("created_at", firestore.Asc).
		Limit(limit)
	return s.collect(ctx, q)
}

func (s *FirestoreStore) collect(ctx context.Context, q firestore.Query) ([]notify.Notification, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	out := []notify.Notification{}
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query notifications: %w", err)
		}
		var n notify.Notification
		if err := doc.DataTo(&n); err != nil {
			s.logger.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to decode notification, skipping")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *FirestoreStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.updateOwned(ctx, userID, notificationID, func(notify.Notification) []firestore.Update {
		return []firestore.Update{{Path: "is_read", Value: true}}
	})
}

// MarkAllRead flags every unread notification of the user with a BulkWriter.
func (s *FirestoreStore) MarkAllRead(ctx context.Context, userID string) error {
	snaps, err := s.unread(userID).Select().Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("mark all read for %s: %w", userID, err)
	}
	if len(snaps) == 0 {
		return nil
	}

	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error
	for _, snap := range snaps {
		if _, err := bulkWriter.Update(snap.Ref, []firestore.Update{{Path: "is_read", Value: true}}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return fmt.Errorf("failed to enqueue one or more read updates: %w", firstErr)
	}
	s.logger.Debug().Str("user", userID).Int("count", len(snaps)).Msg("Marked notifications read.")
	return nil
}

func (s *FirestoreStore) MarkAcknowledged(ctx context.Context, userID, notificationID string) error {
	return s.updateOwned(ctx, userID, notificationID, func(notify.Notification) []firestore.Update {
		return []firestore.Update{{Path: "acknowledged", Value: true}}
	})
}

// UpdateStatus moves the status forward inside a transaction.
func (s *FirestoreStore) UpdateStatus(ctx context.Context, notificationID string, next notify.JobStatus) error {
	return s.update(ctx, notificationID, func(n notify.Notification) ([]firestore.Update, error) {
		if n.Status != "" && !n.Status.CanAdvanceTo(next) {
			return nil, nil
		}
		return []firestore.Update{{Path: "status", Value: string(next)}}, nil
	})
}

func (s *FirestoreStore) updateOwned(ctx context.Context, userID, notificationID string, fn func(notify.Notification) []firestore.Update) error {
	return s.update(ctx, notificationID, func(n notify.Notification) ([]firestore.Update, error) {
		if n.UserID != userID {
			return nil, fmt.Errorf("notification %s for %s: %w", notificationID, userID, notify.ErrNotFound)
		}
		return fn(n), nil
	})
}

func (s *FirestoreStore) update(ctx context.Context, notificationID string, fn func(notify.Notification) ([]firestore.Update, error)) error {
	ref := s.notifications().Doc(notificationID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("notification %s: %w", notificationID, notify.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var n notify.Notification
		if err := snap.DataTo(&n); err != nil {
			return fmt.Errorf("decode notification %s: %w", notificationID, err)
		}
		updates, err := fn(n)
		if err != nil || len(updates) == 0 {
			return err
		}
		return tx.Update(ref, updates)
	})
}

func (s *FirestoreStore) Contact(ctx context.Context, userID string) (notify.Contact, error) {
	snap, err := s.client.Collection(contactsCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return notify.Contact{}, fmt.Errorf("contact %s: %w", userID, notify.ErrNotFound)
	}
	if err != nil {
		return notify.Contact{}, fmt.Errorf("contact %s: %w", userID, err)
	}
	var c notify.Contact
	if err := snap.DataTo(&c); err != nil {
		return notify.Contact{}, fmt.Errorf("decode contact %s: %w", userID, err)
	}
	return c, nil
}

// UpsertContact stores the fan-out addresses for a user.
func (s *FirestoreStore) UpsertContact(ctx context.Context, c notify.Contact) error {
	if _, err := s.client.Collection(contactsCollection).Doc(c.UserID).Set(ctx, c); err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.UserID, err)
	}
	return nil
}

// Ping issues a minimal read.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	iter := s.client.Collection(contactsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}
