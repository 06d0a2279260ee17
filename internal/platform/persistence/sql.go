package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		title        TEXT NOT NULL,
		message      TEXT NOT NULL,
		category     TEXT NOT NULL DEFAULT '',
		priority     TEXT NOT NULL DEFAULT 'medium',
		require_ack  BOOLEAN NOT NULL DEFAULT FALSE,
		is_read      BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		status       TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		user_id TEXT PRIMARY KEY,
		email   TEXT NOT NULL DEFAULT '',
		phone   TEXT NOT NULL DEFAULT '',
		role    TEXT NOT NULL DEFAULT ''
	)`,
}

const notificationColumns = `id, user_id, title, message, category, priority, require_ack, is_read, acknowledged, status, created_at`

// notificationRow stores created_at as unix milliseconds so ordering and range
// queries behave the same on every driver.
type notificationRow struct {
	ID           string `db:"id"`
	UserID       string `db:"user_id"`
	Title        string `db:"title"`
	Message      string `db:"message"`
	Category     string `db:"category"`
	Priority     string `db:"priority"`
	RequireAck   bool   `db:"require_ack"`
	Read         bool   `db:"is_read"`
	Acknowledged bool   `db:"acknowledged"`
	Status       string `db:"status"`
	CreatedAt    int64  `db:"created_at"`
}

func toRow(n notify.Notification) notificationRow {
	return notificationRow{
		ID:           n.ID,
		UserID:       n.UserID,
		Title:        n.Title,
		Message:      n.Message,
		Category:     n.Category,
		Priority:     string(n.Priority.Normalize()),
		RequireAck:   n.RequireAck,
		Read:         n.Read,
		Acknowledged: n.Acknowledged,
		Status:       string(n.Status),
		CreatedAt:    n.CreatedAt.UTC().UnixMilli(),
	}
}

func (r notificationRow) toNotification() notify.Notification {
	return notify.Notification{
		ID:           r.ID,
		UserID:       r.UserID,
		Title:        r.Title,
		Message:      r.Message,
		Category:     r.Category,
		Priority:     notify.Priority(r.Priority),
		RequireAck:   r.RequireAck,
		Read:         r.Read,
		Acknowledged: r.Acknowledged,
		Status:       notify.JobStatus(r.Status),
		CreatedAt:    time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// SQLStore implements notify.NotificationStore over database/sql with sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// OpenSQL connects to driver/dsn and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps in-memory databases shared and avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sqlx.DB, logger zerolog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle cannot be nil")
	}
	return &SQLStore{
		db:     db,
		logger: logger.With().Str("component", "SQLStore").Str("driver", db.DriverName()).Logger(),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Save(ctx context.Context, n notify.Notification) error {
	row := toRow(n)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (:id, :user_id, :title, :message, :category, :priority, :require_ack, :is_read, :acknowledged, :status, :created_at)
		 ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("save notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?`), userID, false)
	if err != nil {
		return 0, fmt.Errorf("count unread for %s: %w", userID, err)
	}
	return count, nil
}

func (s *SQLStore) Recent(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = ? AND is_read = ?
		 ORDER BY created_at DESC LIMIT ?`), userID, false, limit)
	if err != nil {
		return nil, fmt.Errorf("recent notifications for %s: %w", userID, err)
	}
	return fromRows(rows), nil
}

func (s *SQLStore) UnacknowledgedSince(ctx context.Context, userID string, since time.Time, limit int) ([]notify.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = ? AND require_ack = ? AND acknowledged = ? AND created_at > ?
		 ORDER BY created_at ASC LIMIT ?`), userID, true, false, since.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("unacknowledged notifications for %s: %w", userID, err)
	}
	return fromRows(rows), nil
}

func (s *SQLStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.setFlag(ctx, "is_read", userID, notificationID)
}

func (s *SQLStore) MarkAllRead(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE notifications SET is_read = ? WHERE user_id = ? AND is_read = ?`), true, userID, false)
	if err != nil {
		return fmt.Errorf("mark all read for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLStore) MarkAcknowledged(ctx context.Context, userID, notificationID string) error {
	return s.setFlag(ctx, "acknowledged", userID, notificationID)
}

// setFlag sets a boolean column. Setting it again still matches the row, so
// the operation is idempotent and only a missing row is an error.
func (s *SQLStore) setFlag(ctx context.Context, column, userID, notificationID string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE notifications SET `+column+` = ? WHERE id = ? AND user_id = ?`), true, notificationID, userID)
	if err != nil {
		return fmt.Errorf("set %s on %s: %w", column, notificationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s on %s: %w", column, notificationID, err)
	}
	if n == 0 {
		return fmt.Errorf("notification %s for %s: %w", notificationID, userID, notify.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, notificationID string, status notify.JobStatus) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update status %s: %w", notificationID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT status FROM notifications WHERE id = ?`), notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notification %s: %w", notificationID, notify.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update status %s: %w", notificationID, err)
	}

	if current != "" && !notify.JobStatus(current).CanAdvanceTo(status) {
		s.logger.Debug().Str("notification", notificationID).Str("from", current).Str("to", string(status)).Msg("Ignoring backwards status change.")
		return nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE notifications SET status = ? WHERE id = ?`), string(status), notificationID); err != nil {
		return fmt.Errorf("update status %s: %w", notificationID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) Contact(ctx context.Context, userID string) (notify.Contact, error) {
	var c notify.Contact
	err := s.db.GetContext(ctx, &c,
		s.db.Rebind(`SELECT user_id, email, phone, role FROM contacts WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Contact{}, fmt.Errorf("contact %s: %w", userID, notify.ErrNotFound)
	}
	if err != nil {
		return notify.Contact{}, fmt.Errorf("contact %s: %w", userID, err)
	}
	return c, nil
}

// UpsertContact stores the fan-out addresses for a user.
func (s *SQLStore) UpsertContact(ctx context.Context, c notify.Contact) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO contacts (user_id, email, phone, role) VALUES (:user_id, :email, :phone, :role)
		 ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, phone = EXCLUDED.phone, role = EXCLUDED.role`, c)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", c.UserID, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func fromRows(rows []notificationRow) []notify.Notification {
	out := make([]notify.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	return out
}
