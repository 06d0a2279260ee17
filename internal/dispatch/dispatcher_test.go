package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	fsqueue "github.com/tinywideclouds/go-campus-notify/internal/platform/queue"
	"github.com/tinywideclouds/go-campus-notify/internal/queue"
	"github.com/tinywideclouds/go-campus-notify/internal/test/fakes"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// --- Test doubles ---

type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	pushed []notify.Notification
	roles  []string
}

func newFakePusher(online ...string) *fakePusher {
	p := &fakePusher{online: make(map[string]bool)}
	for _, u := range online {
		p.online[u] = true
	}
	return p
}

func (p *fakePusher) Push(_ context.Context, userID string, n notify.Notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false
	}
	p.pushed = append(p.pushed, n)
	return true
}

func (p *fakePusher) PushToRole(_ context.Context, role string, n notify.Notification) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles = append(p.roles, role)
	p.pushed = append(p.pushed, n)
	return 1
}

func (p *fakePusher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pushed))
	for _, n := range p.pushed {
		out = append(out, n.ID)
	}
	return out
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (f *fakeTracker) Track(_ context.Context, userID string, n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, userID+"/"+n.ID)
}

func (f *fakeTracker) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tracked...)
}

type statusLog struct {
	mu  sync.Mutex
	log map[string][]notify.JobStatus
}

func (s *statusLog) record(id string, status notify.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log[id] = append(s.log[id], status)
}

func (s *statusLog) get(id string) []notify.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.JobStatus(nil), s.log[id]...)
}

// flakyStatsBroker fails Stats for one queue.
type flakyStatsBroker struct {
	queue.Broker
	failFor notify.JobType
}

func (b *flakyStatsBroker) Ping(context.Context) error { return nil }

func (b *flakyStatsBroker) Stats(_ context.Context, t notify.JobType) (notify.QueueStats, error) {
	if t == b.failFor {
		return notify.QueueStats{}, errors.New("stats exploded")
	}
	return notify.QueueStats{Waiting: 1}, nil
}

// --- Fixture ---

type testFixture struct {
	mr       *miniredis.Miniredis
	d        *dispatch.Dispatcher
	store    *fakes.NotificationStore
	pusher   *fakePusher
	tracker  *fakeTracker
	email    *fakes.EmailSender
	sms      *fakes.SMSSender
	reports  *fakes.ReportRunner
	statuses *statusLog
}

func fastPolicies() map[notify.JobType]dispatch.Policy {
	return map[notify.JobType]dispatch.Policy{
		notify.JobNotification: {BaseDelay: 5 * time.Millisecond},
		notify.JobEmail:        {BaseDelay: 5 * time.Millisecond},
		notify.JobSMS:          {BaseDelay: 5 * time.Millisecond},
		notify.JobReport:       {BaseDelay: 5 * time.Millisecond},
	}
}

// setup builds a dispatcher with one worker per queue. withBroker wires a
// miniredis-backed broker.
func setup(t *testing.T, withBroker bool) *testFixture {
	t.Helper()
	return setupWorkers(t, withBroker, 1)
}

func setupWorkers(t *testing.T, withBroker bool, workers int) *testFixture {
	t.Helper()
	fx := &testFixture{
		store:    fakes.NewNotificationStore(),
		pusher:   newFakePusher("u1"),
		tracker:  &fakeTracker{},
		email:    &fakes.EmailSender{},
		sms:      &fakes.SMSSender{},
		reports:  &fakes.ReportRunner{},
		statuses: &statusLog{log: make(map[string][]notify.JobStatus)},
	}
	fx.store.AddContact(notify.Contact{UserID: "u1", Email: "u1@campus.edu", Phone: "+15551234567"})

	deps := dispatch.Dependencies{
		Store:   fx.store,
		Pusher:  fx.pusher,
		Tracker: fx.tracker,
		Email:   fx.email,
		SMS:     fx.sms,
		Reports: fx.reports,
	}
	if withBroker {
		fx.mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: fx.mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		broker, err := fsqueue.NewRedisBroker(rdb, "", zerolog.Nop())
		require.NoError(t, err)
		deps.Broker = broker
	}

	cfg := dispatch.Config{
		NumWorkers:      workers,
		PollInterval:    5 * time.Millisecond,
		PromoteInterval: 5 * time.Millisecond,
		Policies:        fastPolicies(),
	}
	d, err := dispatch.New(context.Background(), cfg, deps, zerolog.Nop())
	require.NoError(t, err)
	d.SetObserver(fx.statuses.record)
	fx.d = d
	return fx
}

func (fx *testFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fx.d.Shutdown(ctx)
	})
}

func payload(title string) notify.Payload {
	return notify.Payload{Title: title, Message: "body", Priority: notify.PriorityHigh}
}

// --- Tests ---

func TestDispatcher_BrokerPathStatusSequence(t *testing.T) {
	fx := setup(t, true)
	fx.start(t)
	ctx := context.Background()

	p := payload("Exam moved")
	p.RequireAck = true
	desc, err := fx.d.EnqueueNotification(ctx, "u1", p, nil)
	require.NoError(t, err)
	assert.Equal(t, notify.ModeBroker, desc.Mode)
	assert.Equal(t, notify.StatusQueued, desc.Status)
	assert.Equal(t, notify.PriorityHigh, desc.Priority)

	require.Eventually(t, func() bool {
		seq := fx.statuses.get(desc.ID)
		return len(seq) > 0 && seq[len(seq)-1] == notify.StatusDelivered
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []notify.JobStatus{notify.StatusQueued, notify.StatusProcessing, notify.StatusDelivered}, fx.statuses.get(desc.ID))
	assert.Equal(t, 1, fx.pusher.count())
	assert.Equal(t, []string{"u1/" + desc.ID}, fx.tracker.list())

	// The job is done, but the record waits for the client's ack.
	stored, ok := fx.store.Get(desc.ID)
	require.True(t, ok)
	assert.Equal(t, notify.StatusProcessing, stored.Status)

	require.Eventually(t, func() bool {
		return fx.d.Stats(ctx).Queues["notification"].Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, fx.d.InFlight())
}

func TestDispatcher_StoredStatusFollowsEmissionAndAck(t *testing.T) {
	fx := setup(t, false)
	ctx := context.Background()

	testCases := []struct {
		name       string
		user       string
		requireAck bool
		want       notify.JobStatus
	}{
		{name: "push emitted, no ack required", user: "u1", want: notify.StatusDelivered},
		{name: "push emitted, ack pending", user: "u1", requireAck: true, want: notify.StatusProcessing},
		{name: "user offline, nothing emitted", user: "offline-user", want: notify.StatusProcessing},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := payload("Room change")
			p.RequireAck = tc.requireAck
			desc, err := fx.d.EnqueueNotification(ctx, tc.user, p, nil)
			require.NoError(t, err)
			assert.Equal(t, notify.StatusDelivered, desc.Status, "the job itself completed")

			stored, ok := fx.store.Get(desc.ID)
			require.True(t, ok)
			assert.Equal(t, tc.want, stored.Status)
		})
	}
}

func TestDispatcher_ConcurrentWorkersDeliverEveryJob(t *testing.T) {
	fx := setupWorkers(t, true, 2)
	ctx := context.Background()

	priorities := []notify.Priority{
		notify.PriorityLow, notify.PriorityUrgent, notify.PriorityMedium,
		notify.PriorityHigh, notify.PriorityLow, notify.PriorityUrgent,
		notify.PriorityMedium, notify.PriorityHigh,
	}
	var want []string
	for _, pr := range priorities {
		p := payload("Update")
		p.Priority = pr
		desc, err := fx.d.EnqueueNotification(ctx, "u1", p, nil)
		require.NoError(t, err)
		require.Equal(t, notify.ModeBroker, desc.Mode)
		want = append(want, desc.ID)
	}

	fx.start(t)
	require.Eventually(t, func() bool {
		return fx.pusher.count() == len(want)
	}, 3*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, want, fx.pusher.ids())
	require.Eventually(t, func() bool {
		return fx.d.Stats(ctx).Queues["notification"].Completed == int64(len(want))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_CallerCancellationKeepsBrokerMode(t *testing.T) {
	fx := setup(t, true)
	require.Equal(t, notify.ModeBroker, fx.d.Mode())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	desc, err := fx.d.EnqueueEmail(cancelled, notify.EmailMessage{To: "a@campus.edu", Subject: "s", Body: "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, notify.ModeInline, desc.Mode, "the abandoned call is still served")
	assert.Equal(t, notify.ModeBroker, fx.d.Mode())
	assert.NoError(t, fx.d.Ping(context.Background()))

	desc, err = fx.d.EnqueueEmail(context.Background(), notify.EmailMessage{To: "a@campus.edu", Subject: "s", Body: "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, notify.ModeBroker, desc.Mode)
}

func TestDispatcher_ReleasesStatusOnceBrokerHoldsJob(t *testing.T) {
	fx := setup(t, true)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 20; i++ {
		desc, err := fx.d.EnqueueReport(ctx, notify.ReportRequest{Name: "attendance"}, notify.PriorityLow)
		require.NoError(t, err)
		ids = append(ids, desc.ID)
	}
	assert.Zero(t, fx.d.InFlight(), "queued jobs belong to the broker")

	// Sequences still run forward once a worker picks the jobs up.
	fx.start(t)
	require.Eventually(t, func() bool {
		return fx.d.Stats(ctx).Queues["report"].Completed == int64(len(ids))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, fx.d.InFlight())
	assert.Equal(t, []notify.JobStatus{notify.StatusQueued, notify.StatusProcessing, notify.StatusDelivered}, fx.statuses.get(ids[0]))
}

func TestDispatcher_RetryKeepsProcessingThenDelivers(t *testing.T) {
	fx := setup(t, true)
	fx.email.FailTimes = 1
	fx.start(t)

	desc, err := fx.d.EnqueueEmail(context.Background(), notify.EmailMessage{To: "a@campus.edu", Subject: "s", Body: "b"}, notify.PriorityMedium)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(fx.email.Messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		seq := fx.statuses.get(desc.ID)
		return len(seq) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, fx.email.Calls())
	assert.Equal(t, []notify.JobStatus{notify.StatusQueued, notify.StatusProcessing, notify.StatusDelivered}, fx.statuses.get(desc.ID))
}

func TestDispatcher_AttemptsExhaustedIsTerminal(t *testing.T) {
	fx := setup(t, true)
	fx.sms.FailTimes = 100
	fx.start(t)
	ctx := context.Background()

	desc, err := fx.d.EnqueueSMS(ctx, notify.SMSMessage{To: "+15551234567", Body: "hi"}, notify.PriorityUrgent)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fx.d.Stats(ctx).Queues["sms"].Failed == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, fx.sms.Calls(), "max attempts for sms")
	seq := fx.statuses.get(desc.ID)
	assert.Equal(t, notify.StatusFailed, seq[len(seq)-1])
	for i := 1; i < len(seq); i++ {
		assert.True(t, seq[i-1].CanAdvanceTo(seq[i]), "status must only move forward: %v", seq)
	}
}

func TestDispatcher_InlineWhenNoBroker(t *testing.T) {
	fx := setup(t, false)
	ctx := context.Background()
	assert.Equal(t, notify.ModeInline, fx.d.Mode())

	desc, err := fx.d.EnqueueEmail(ctx, notify.EmailMessage{To: "a@campus.edu", Subject: "s", Body: "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, notify.ModeInline, desc.Mode)
	assert.Equal(t, notify.StatusDelivered, desc.Status)
	assert.NotEmpty(t, desc.Result)
	assert.Equal(t, notify.PriorityMedium, desc.Priority)
	assert.Len(t, fx.email.Messages(), 1)

	fx.reports.Err = errors.New("warehouse offline")
	desc, err = fx.d.EnqueueReport(ctx, notify.ReportRequest{Name: "attendance"}, notify.PriorityLow)
	require.NoError(t, err, "side-effect failures are not returned to producers")
	assert.Equal(t, notify.StatusFailed, desc.Status)
	assert.Contains(t, desc.Result, "warehouse offline")

	stats := fx.d.Stats(ctx)
	assert.False(t, stats.Enabled)
	assert.Equal(t, notify.ModeInline, stats.Mode)
	assert.Equal(t, int64(1), stats.Queues["email"].Completed)
	assert.Equal(t, int64(1), stats.Queues["report"].Failed)
	assert.Error(t, fx.d.Ping(ctx))
}

func TestDispatcher_MidOperationFallbackAndReprobe(t *testing.T) {
	fx := setup(t, true)
	ctx := context.Background()
	require.Equal(t, notify.ModeBroker, fx.d.Mode())

	fx.mr.Close()

	desc, err := fx.d.EnqueueNotification(ctx, "u1", payload("Library closed"), []notify.Channel{notify.ChannelPush})
	require.NoError(t, err)
	assert.Equal(t, notify.ModeInline, desc.Mode)
	assert.Equal(t, notify.StatusDelivered, desc.Status)
	assert.Equal(t, 1, fx.pusher.count())
	assert.Equal(t, notify.ModeInline, fx.d.Mode())

	assert.False(t, fx.d.Reprobe(ctx))
	require.NoError(t, fx.mr.Restart())
	assert.True(t, fx.d.Reprobe(ctx))
	assert.Equal(t, notify.ModeBroker, fx.d.Mode())
	assert.NoError(t, fx.d.Ping(ctx))
}

func TestDispatcher_FanOutInline(t *testing.T) {
	fx := setup(t, false)
	ctx := context.Background()

	p := payload("Tuition due")
	p.RequireAck = true
	desc, err := fx.d.EnqueueNotification(ctx, "u1", p, []notify.Channel{notify.ChannelPush, notify.ChannelEmail, notify.ChannelSMS})
	require.NoError(t, err)
	assert.Equal(t, notify.StatusDelivered, desc.Status)

	assert.Equal(t, 1, fx.pusher.count())
	assert.Equal(t, []string{"u1/" + desc.ID}, fx.tracker.list())
	require.Len(t, fx.email.Messages(), 1)
	assert.Equal(t, "u1@campus.edu", fx.email.Messages()[0].To)
	assert.Equal(t, "Tuition due", fx.email.Messages()[0].Subject)
	require.Len(t, fx.sms.Messages(), 1)
	assert.Equal(t, "+15551234567", fx.sms.Messages()[0].To)

	// Offline user: push is "not delivered now" but the job still succeeds.
	desc, err = fx.d.EnqueueNotification(ctx, "u2", payload("Hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusDelivered, desc.Status)
	assert.Equal(t, 1, fx.pusher.count())
	assert.Len(t, fx.tracker.list(), 1)
}

func TestDispatcher_RoleNotification(t *testing.T) {
	fx := setup(t, false)
	desc, err := fx.d.EnqueueRoleNotification(context.Background(), "operator", notify.Payload{Title: "Cache down", Message: "redis", Priority: notify.PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, notify.PriorityUrgent, desc.Priority)
	assert.Equal(t, []string{"operator"}, fx.pusher.roles)
}

func TestDispatcher_ExpiredNotification(t *testing.T) {
	fx := setup(t, false)
	past := time.Now().Add(-time.Minute)
	p := payload("Old news")
	p.ExpiresAt = &past

	desc, err := fx.d.EnqueueNotification(context.Background(), "u1", p, nil)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusExpired, desc.Status)
	assert.Equal(t, 0, fx.pusher.count())
}

func TestDispatcher_ExpiredStatusWriteFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	store := fakes.NewNotificationStore()
	store.Err = errors.New("store offline")
	deps := dispatch.Dependencies{Store: store, Pusher: newFakePusher("u1")}
	d, err := dispatch.New(context.Background(), dispatch.Config{}, deps, zerolog.New(&logs))
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	p := payload("Old news")
	p.ExpiresAt = &past
	desc, err := d.EnqueueNotification(context.Background(), "u1", p, nil)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusExpired, desc.Status)
	assert.Contains(t, logs.String(), "Failed to record expired status.")
	assert.Contains(t, logs.String(), "store offline")
}

func TestDispatcher_Validation(t *testing.T) {
	fx := setup(t, false)
	ctx := context.Background()

	testCases := []struct {
		name string
		run  func() error
	}{
		{name: "bad email", run: func() error {
			_, err := fx.d.EnqueueEmail(ctx, notify.EmailMessage{To: "not-an-email", Subject: "s", Body: "b"}, "")
			return err
		}},
		{name: "bad phone", run: func() error {
			_, err := fx.d.EnqueueSMS(ctx, notify.SMSMessage{To: "555", Body: "b"}, "")
			return err
		}},
		{name: "missing title", run: func() error {
			_, err := fx.d.EnqueueNotification(ctx, "u1", notify.Payload{Message: "m"}, nil)
			return err
		}},
		{name: "missing user", run: func() error {
			_, err := fx.d.EnqueueNotification(ctx, "", payload("t"), nil)
			return err
		}},
		{name: "unknown channel", run: func() error {
			_, err := fx.d.EnqueueNotification(ctx, "u1", payload("t"), []notify.Channel{"fax"})
			return err
		}},
		{name: "unknown type", run: func() error {
			_, err := fx.d.Enqueue(ctx, "carrier-pigeon", struct{}{}, "")
			return err
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			require.Error(t, err)
			assert.True(t, errors.Is(err, notify.ErrInvalidPayload))
			var ve *notify.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
	assert.Empty(t, fx.email.Messages())
}

func TestDispatcher_StatsPartialOnBrokerError(t *testing.T) {
	deps := dispatch.Dependencies{
		Broker: &flakyStatsBroker{failFor: notify.JobReport},
		Store:  fakes.NewNotificationStore(),
		Pusher: newFakePusher(),
	}
	d, err := dispatch.New(context.Background(), dispatch.Config{}, deps, zerolog.Nop())
	require.NoError(t, err)

	stats := d.Stats(context.Background())
	assert.True(t, stats.Enabled)
	assert.Equal(t, notify.ModeBroker, stats.Mode)
	assert.Contains(t, stats.Error, "stats exploded")
	assert.Len(t, stats.Queues, 3)
	assert.Equal(t, int64(1), stats.Queues["email"].Waiting)
}

func TestPolicy_Delay(t *testing.T) {
	policies := dispatch.DefaultPolicies()

	n := policies[notify.JobNotification]
	assert.Equal(t, 3, n.MaxAttempts)
	assert.Equal(t, 2*time.Second, n.Delay(1))
	assert.Equal(t, 4*time.Second, n.Delay(2))
	assert.Equal(t, 8*time.Second, n.Delay(3))
	assert.Equal(t, time.Minute, n.Delay(20), "capped at MaxDelay")
	assert.False(t, n.Exhausted(2))
	assert.True(t, n.Exhausted(3))

	r := policies[notify.JobReport]
	assert.Equal(t, 2, r.MaxAttempts)
	assert.Equal(t, dispatch.BackoffFixed, r.Backoff)
	assert.Equal(t, r.BaseDelay, r.Delay(1))
	assert.Equal(t, r.BaseDelay, r.Delay(2))
}

func TestDispatcher_ConfiguredPolicyOverlaysDefaults(t *testing.T) {
	deps := dispatch.Dependencies{Store: fakes.NewNotificationStore(), Pusher: newFakePusher()}
	cfg := dispatch.Config{Policies: map[notify.JobType]dispatch.Policy{
		notify.JobEmail: {MaxAttempts: 5, BaseDelay: 10 * time.Second},
	}}
	d, err := dispatch.New(context.Background(), cfg, deps, zerolog.Nop())
	require.NoError(t, err)

	email := d.Policy(notify.JobEmail)
	assert.Equal(t, 5, email.MaxAttempts)
	assert.Equal(t, 10*time.Second, email.BaseDelay)
	assert.Equal(t, dispatch.BackoffExponential, email.Backoff, "unset fields keep the default")
	assert.Equal(t, 100, email.KeepFailed)

	assert.Equal(t, dispatch.DefaultPolicies()[notify.JobSMS], d.Policy(notify.JobSMS))
}
