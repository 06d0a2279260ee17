package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fsqueue "github.com/tinywideclouds/go-campus-notify/internal/platform/queue"
	"github.com/tinywideclouds/go-campus-notify/internal/queue"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// redisTestFixture holds resources for testing the redis broker.
type redisTestFixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	broker *fsqueue.RedisBroker
}

func setupRedisSuite(t *testing.T) (context.Context, *redisTestFixture) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker, err := fsqueue.NewRedisBroker(rdb, "", zerolog.Nop())
	require.NoError(t, err)

	return ctx, &redisTestFixture{mr: mr, rdb: rdb, broker: broker}
}

func newJob(jobType notify.JobType, priority notify.Priority, enqueuedAt time.Time) queue.Job {
	return queue.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   priority,
		Payload:    json.RawMessage(`{"k":"v"}`),
		EnqueuedAt: enqueuedAt,
	}
}

func TestNewRedisBroker_NilClient(t *testing.T) {
	_, err := fsqueue.NewRedisBroker(nil, "", zerolog.Nop())
	assert.Error(t, err)
}

func TestRedisBroker_ClaimsByPriorityThenAge(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	base := time.Now()

	low := newJob(notify.JobNotification, notify.PriorityLow, base)
	mediumOld := newJob(notify.JobNotification, notify.PriorityMedium, base.Add(time.Second))
	mediumNew := newJob(notify.JobNotification, notify.PriorityMedium, base.Add(2*time.Second))
	urgent := newJob(notify.JobNotification, notify.PriorityUrgent, base.Add(3*time.Second))

	for _, j := range []queue.Job{low, mediumNew, urgent, mediumOld} {
		require.NoError(t, fx.broker.Submit(ctx, j))
	}

	var order []string
	for i := 0; i < 4; i++ {
		job, err := fx.broker.Claim(ctx, notify.JobNotification)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgent.ID, mediumOld.ID, mediumNew.ID, low.ID}, order)

	job, err := fx.broker.Claim(ctx, notify.JobNotification)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue yields no job")

	stats, err := fx.broker.Stats(ctx, notify.JobNotification)
	require.NoError(t, err)
	assert.Equal(t, notify.QueueStats{Active: 4}, stats)
}

func TestRedisBroker_RetryPromoteAndFinish(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	job := newJob(notify.JobEmail, notify.PriorityHigh, time.Now())
	require.NoError(t, fx.broker.Submit(ctx, job))

	claimed, err := fx.broker.Claim(ctx, notify.JobEmail)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Attempts = 1
	claimed.LastError = "smtp down"
	require.NoError(t, fx.broker.Retry(ctx, *claimed, time.Minute))

	stats, err := fx.broker.Stats(ctx, notify.JobEmail)
	require.NoError(t, err)
	assert.Equal(t, notify.QueueStats{Waiting: 1}, stats, "delayed retry counts as waiting")

	// Not due yet.
	n, err := fx.broker.PromoteDue(ctx, notify.JobEmail, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	none, err := fx.broker.Claim(ctx, notify.JobEmail)
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err = fx.broker.PromoteDue(ctx, notify.JobEmail, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := fx.broker.Claim(ctx, notify.JobEmail)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "smtp down", again.LastError)

	require.NoError(t, fx.broker.Fail(ctx, *again, 10))
	stats, err = fx.broker.Stats(ctx, notify.JobEmail)
	require.NoError(t, err)
	assert.Equal(t, notify.QueueStats{Failed: 1}, stats)
}

func TestRedisBroker_CompletedHistoryIsBounded(t *testing.T) {
	ctx, fx := setupRedisSuite(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, fx.broker.Submit(ctx, newJob(notify.JobReport, notify.PriorityLow, time.Now())))
		job, err := fx.broker.Claim(ctx, notify.JobReport)
		require.NoError(t, err)
		require.NoError(t, fx.broker.Complete(ctx, *job, 3))
	}

	kept, err := fx.rdb.LLen(ctx, "jobs:report:completed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), kept)

	stats, err := fx.broker.Stats(ctx, notify.JobReport)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Completed, "lifetime counter is not trimmed")
}

func TestRedisBroker_DropsPoisonJob(t *testing.T) {
	ctx, fx := setupRedisSuite(t)

	require.NoError(t, fx.rdb.HSet(ctx, "jobs:sms:data", "bad", "{not json").Err())
	require.NoError(t, fx.rdb.ZAdd(ctx, "jobs:sms:waiting", redis.Z{Score: 1, Member: "bad"}).Err())
	good := newJob(notify.JobSMS, notify.PriorityLow, time.Now())
	require.NoError(t, fx.broker.Submit(ctx, good))

	job, err := fx.broker.Claim(ctx, notify.JobSMS)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, good.ID, job.ID)

	exists, err := fx.rdb.HExists(ctx, "jobs:sms:data", "bad").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisBroker_PingFailsWhenDown(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	require.NoError(t, fx.broker.Ping(ctx))
	fx.mr.Close()
	assert.Error(t, fx.broker.Ping(ctx))
}

func TestRedisBroker_ReclaimsLapsedLease(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	job := newJob(notify.JobNotification, notify.PriorityHigh, time.Now())
	require.NoError(t, fx.broker.Submit(ctx, job))

	// The worker claims the job and dies without reporting back.
	claimed, err := fx.broker.Claim(ctx, notify.JobNotification)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A live lease is left alone.
	n, err := fx.broker.PromoteDue(ctx, notify.JobNotification, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Another process on the same Redis, a day later.
	fx.mr.FastForward(24 * time.Hour)
	other, err := fsqueue.NewRedisBroker(fx.rdb, "", zerolog.Nop())
	require.NoError(t, err)

	n, err = other.PromoteDue(ctx, notify.JobNotification, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := other.Stats(ctx, notify.JobNotification)
	require.NoError(t, err)
	assert.Equal(t, notify.QueueStats{Waiting: 1}, stats)

	again, err := other.Claim(ctx, notify.JobNotification)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempts, "the lapsed claim counts as an attempt")
	assert.Equal(t, "claim lease expired", again.LastError)

	require.NoError(t, other.Complete(ctx, *again, 10))
	stats, err = other.Stats(ctx, notify.JobNotification)
	require.NoError(t, err)
	assert.Equal(t, notify.QueueStats{Completed: 1}, stats)

	leases, err := fx.rdb.ZCard(ctx, "jobs:notification:leases").Result()
	require.NoError(t, err)
	assert.Zero(t, leases)
}

func TestRedisBroker_ClaimMovesJobAtomically(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	fx.broker.WithLease(time.Minute)
	job := newJob(notify.JobEmail, notify.PriorityMedium, time.Now())
	require.NoError(t, fx.broker.Submit(ctx, job))

	before := time.Now()
	claimed, err := fx.broker.Claim(ctx, notify.JobEmail)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	waiting, err := fx.rdb.ZCard(ctx, "jobs:email:waiting").Result()
	require.NoError(t, err)
	assert.Zero(t, waiting)
	inData, err := fx.rdb.HExists(ctx, "jobs:email:data", job.ID).Result()
	require.NoError(t, err)
	assert.False(t, inData)
	active, err := fx.rdb.HExists(ctx, "jobs:email:active", job.ID).Result()
	require.NoError(t, err)
	assert.True(t, active)

	deadline, err := fx.rdb.ZScore(ctx, "jobs:email:leases", job.ID).Result()
	require.NoError(t, err)
	assert.InDelta(t, float64(before.Add(time.Minute).UnixMilli()), deadline, float64(5*time.Second/time.Millisecond))
}

func TestRedisBroker_RetryReleasesLease(t *testing.T) {
	ctx, fx := setupRedisSuite(t)
	job := newJob(notify.JobSMS, notify.PriorityLow, time.Now())
	require.NoError(t, fx.broker.Submit(ctx, job))
	claimed, err := fx.broker.Claim(ctx, notify.JobSMS)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed.Attempts = 1
	require.NoError(t, fx.broker.Retry(ctx, *claimed, time.Hour))

	// Far past the lease: only the delayed entry comes back, once.
	n, err := fx.broker.PromoteDue(ctx, notify.JobSMS, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := fx.broker.Claim(ctx, notify.JobSMS)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
	none, err := fx.broker.Claim(ctx, notify.JobSMS)
	require.NoError(t, err)
	assert.Nil(t, none)
}
