package delivery_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-campus-notify/internal/delivery"
	"github.com/tinywideclouds/go-campus-notify/internal/test/fakes"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

type fakeGateway struct {
	mu        sync.Mutex
	connected map[string]bool
	pushed    []notify.Notification
}

func (g *fakeGateway) IsConnected(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected[userID]
}

func (g *fakeGateway) Push(_ context.Context, userID string, n notify.Notification) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected[userID] {
		return false
	}
	g.pushed = append(g.pushed, n)
	return true
}

func (g *fakeGateway) setConnected(userID string, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected[userID] = on
}

type testFixture struct {
	tracker *delivery.Tracker
	gateway *fakeGateway
	store   *fakes.NotificationStore
	now     *time.Time
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	fx := &testFixture{
		gateway: &fakeGateway{connected: map[string]bool{"u1": true}},
		store:   fakes.NewNotificationStore(),
		now:     &now,
	}
	tracker, err := delivery.NewTracker(delivery.Config{AckTTL: 5 * time.Minute}, fx.gateway, fx.store, zerolog.Nop())
	require.NoError(t, err)
	fx.tracker = tracker.WithClock(func() time.Time { return *fx.now })
	return fx
}

func (fx *testFixture) advance(d time.Duration) {
	*fx.now = fx.now.Add(d)
}

func notification(id string) notify.Notification {
	return notify.Notification{ID: id, UserID: "u1", Title: "Fire drill", Message: "at 10", RequireAck: true, CreatedAt: time.Now()}
}

func TestTracker_AcknowledgeClearsAndRecords(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	n := notification("n1")
	require.NoError(t, fx.store.Save(ctx, n))

	fx.tracker.Track(ctx, "u1", n)
	p, ok := fx.tracker.Pending("u1", "n1")
	require.True(t, ok)
	assert.Equal(t, fx.now.Add(5*time.Minute), p.ExpiresAt)

	require.NoError(t, fx.tracker.Acknowledge(ctx, "u1", "n1"))
	_, ok = fx.tracker.Pending("u1", "n1")
	assert.False(t, ok)
	assert.Equal(t, []string{"n1"}, fx.store.Acked())

	stored, _ := fx.store.Get("n1")
	assert.True(t, stored.Acknowledged)
	assert.Equal(t, notify.StatusDelivered, stored.Status, "the ack completes delivery")
}

func TestTracker_RedeliversExactlyOnce(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.tracker.Track(ctx, "u1", notification("n1"))

	// Not yet expired.
	r, a := fx.tracker.Sweep(ctx)
	assert.Equal(t, 0, r+a)

	fx.advance(5 * time.Minute)
	r, a = fx.tracker.Sweep(ctx)
	assert.Equal(t, 1, r)
	assert.Equal(t, 0, a)

	p, ok := fx.tracker.Pending("u1", "n1")
	require.True(t, ok)
	assert.Equal(t, 1, p.RetryCount)
	assert.Equal(t, fx.now.Add(5*time.Minute), p.ExpiresAt, "TTL is reset")
	require.Len(t, fx.gateway.pushed, 1)
	assert.Equal(t, "n1", fx.gateway.pushed[0].ID, "redelivery keeps the same id")

	fx.advance(5 * time.Minute)
	r, a = fx.tracker.Sweep(ctx)
	assert.Equal(t, 0, r)
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, fx.tracker.Len())
	assert.Len(t, fx.gateway.pushed, 1, "no second redelivery")
}

func TestTracker_AbandonsWhenUserOffline(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.tracker.Track(ctx, "u1", notification("n1"))
	fx.gateway.setConnected("u1", false)

	fx.advance(6 * time.Minute)
	r, a := fx.tracker.Sweep(ctx)
	assert.Equal(t, 0, r)
	assert.Equal(t, 1, a)
	assert.Empty(t, fx.gateway.pushed)
	assert.Equal(t, 0, fx.tracker.Len())
}

func TestTracker_TrackIsIdempotent(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.tracker.Track(ctx, "u1", notification("n1"))
	fx.advance(time.Minute)
	fx.tracker.Track(ctx, "u1", notification("n1"))

	p, ok := fx.tracker.Pending("u1", "n1")
	require.True(t, ok)
	assert.Equal(t, fx.now.Add(4*time.Minute), p.ExpiresAt, "second Track does not extend the deadline")
	assert.Equal(t, 1, fx.tracker.Len())
}

func TestTracker_StartAndShutdown(t *testing.T) {
	store := fakes.NewNotificationStore()
	gw := &fakeGateway{connected: map[string]bool{"u1": true}}
	tracker, err := delivery.NewTracker(delivery.Config{AckTTL: time.Millisecond, SweepInterval: 5 * time.Millisecond}, gw, store, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, tracker.Start(context.Background()))
	tracker.Track(context.Background(), "u1", notification("n1"))

	require.Eventually(t, func() bool { return tracker.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tracker.Shutdown(context.Background()))
}
