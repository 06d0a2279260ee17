// Package delivery tracks notifications that require a confirmed receipt and
// redelivers each of them once when the confirmation does not arrive in time.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// maxRedeliveries is how many times an unacknowledged notification is re-sent.
const maxRedeliveries = 1

// Gateway is what the tracker needs from the connection gateway.
type Gateway interface {
	IsConnected(userID string) bool
	Push(ctx context.Context, userID string, n notify.Notification) bool
}

// Config holds the tracker's tunables.
type Config struct {
	AckTTL              time.Duration
	SweepInterval       time.Duration
	CollaboratorTimeout time.Duration
}

type key struct {
	notificationID string
	userID         string
}

// Tracker holds PendingAck records in memory. A disconnect never cancels them;
// abandoned entries are recovered by the reconnect resync.
type Tracker struct {
	cfg     Config
	gateway Gateway
	store   notify.NotificationStore
	mu      sync.Mutex
	pending map[key]*notify.PendingAck
	now     func() time.Time
	logger  zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker creates a Tracker.
func NewTracker(cfg Config, gateway Gateway, store notify.NotificationStore, logger zerolog.Logger) (*Tracker, error) {
	if gateway == nil || store == nil {
		return nil, fmt.Errorf("gateway and notification store are required")
	}
	if cfg.AckTTL <= 0 {
		cfg.AckTTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 10 * time.Second
	}
	return &Tracker{
		cfg:     cfg,
		gateway: gateway,
		store:   store,
		pending: make(map[key]*notify.PendingAck),
		now:     time.Now,
		logger:  logger.With().Str("component", "DeliveryTracker").Logger(),
		stop:    make(chan struct{}),
	}, nil
}

// WithClock replaces the time source. Used by tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Track records a notification that was emitted and now waits for an acknowledgment.
func (t *Tracker) Track(_ context.Context, userID string, n notify.Notification) {
	k := key{notificationID: n.ID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[k]; ok {
		return
	}
	t.pending[k] = &notify.PendingAck{
		NotificationID: n.ID,
		UserID:         userID,
		Snapshot:       n,
		ExpiresAt:      t.now().Add(t.cfg.AckTTL),
	}
	t.logger.Debug().Str("user", userID).Str("notification", n.ID).Msg("Tracking acknowledgment.")
}

// Acknowledge clears the pending entry, records the receipt in the domain store
// and marks the notification delivered.
func (t *Tracker) Acknowledge(ctx context.Context, userID, notificationID string) error {
	t.mu.Lock()
	delete(t.pending, key{notificationID: notificationID, userID: userID})
	t.mu.Unlock()

	if err := t.store.MarkAcknowledged(ctx, userID, notificationID); err != nil {
		return fmt.Errorf("failed to record acknowledgment: %w", err)
	}
	if err := t.store.UpdateStatus(ctx, notificationID, notify.StatusDelivered); err != nil {
		t.logger.Warn().Err(err).Str("user", userID).Str("notification", notificationID).Msg("Failed to record delivered status.")
	}
	return nil
}

// Pending returns a copy of the entry for (userID, notificationID).
func (t *Tracker) Pending(userID, notificationID string) (notify.PendingAck, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key{notificationID: notificationID, userID: userID}]
	if !ok {
		return notify.PendingAck{}, false
	}
	return *p, true
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Sweep handles expired entries: each is redelivered once, with the same ID,
// if the user is still connected; otherwise it is abandoned.
func (t *Tracker) Sweep(ctx context.Context) (redelivered, abandoned int) {
	now := t.now()

	t.mu.Lock()
	var expired []notify.PendingAck
	for _, p := range t.pending {
		if !now.Before(p.ExpiresAt) {
			expired = append(expired, *p)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		k := key{notificationID: p.NotificationID, userID: p.UserID}
		log := t.logger.With().Str("user", p.UserID).Str("notification", p.NotificationID).Logger()

		resent := false
		if p.RetryCount < maxRedeliveries && t.gateway.IsConnected(p.UserID) {
			pushCtx, cancel := context.WithTimeout(ctx, t.cfg.CollaboratorTimeout)
			resent = t.gateway.Push(pushCtx, p.UserID, p.Snapshot)
			cancel()
		}

		t.mu.Lock()
		current, ok := t.pending[k]
		if !ok {
			// Acknowledged while we were working.
			t.mu.Unlock()
			continue
		}
		if resent {
			current.RetryCount++
			current.ExpiresAt = now.Add(t.cfg.AckTTL)
			redelivered++
		} else {
			delete(t.pending, k)
			abandoned++
		}
		t.mu.Unlock()

		if resent {
			log.Info().Int("retry", p.RetryCount+1).Msg("Redelivered unacknowledged notification.")
		} else {
			log.Warn().Err(notify.ErrDeliveryTimeout).Int("retries", p.RetryCount).Msg("Abandoning acknowledgment; reconnect resync will recover it.")
		}
	}
	return redelivered, abandoned
}

// Start runs the expiry sweep every SweepInterval.
func (t *Tracker) Start(ctx context.Context) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.C:
				t.Sweep(ctx)
			}
		}
	}()
	return nil
}

// Shutdown stops the sweep.
func (t *Tracker) Shutdown(_ context.Context) error {
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
	return nil
}
