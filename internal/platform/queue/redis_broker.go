// Package queue contains the Redis implementation of the job broker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/queue"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// rankSpan separates priority ranks in the waiting score so that rank
// dominates and enqueue time breaks ties.
const rankSpan = 1e13

// DefaultLease is how long a claimed job may stay active before another
// worker may reclaim it.
const DefaultLease = 5 * time.Minute

// reclaimedError is recorded on a job whose lease lapsed.
const reclaimedError = "claim lease expired"

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	redis.Scripter
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Ping(ctx context.Context) *redis.StatusCmd
}

// claimScript pops the best waiting job and moves its data to active with a
// lease deadline in one step.
// KEYS: waiting, data, active, leases. ARGV: deadline (unix ms).
// Returns {id, payload}, {id} when the data is missing, or nil when empty.
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
local payload = redis.call('HGET', KEYS[2], id)
redis.call('HDEL', KEYS[2], id)
if not payload then
	return {id}
end
redis.call('HSET', KEYS[3], id, payload)
redis.call('ZADD', KEYS[4], ARGV[1], id)
return {id, payload}
`)

// promoteScript moves one delayed job to waiting if it is still delayed.
// KEYS: delayed, waiting. ARGV: id, waiting score.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// reclaimScript returns an active job to waiting if its lease is still
// lapsed, replacing its data with the given payload.
// KEYS: leases, active, data, waiting. ARGV: id, waiting score, payload, now (unix ms).
var reclaimScript = redis.NewScript(`
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) > tonumber(ARGV[4]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)

// RedisBroker implements queue.Broker on plain Redis data structures.
// Per job type it keeps:
//  1. `{prefix}{type}:waiting`: ZSET of job IDs scored by priority rank, then enqueue time.
//  2. `{prefix}{type}:delayed`: ZSET of job IDs scored by the time they become due.
//  3. `{prefix}{type}:data`: HASH of job ID to JSON for waiting and delayed jobs.
//  4. `{prefix}{type}:active`: HASH of job ID to JSON for claimed jobs.
//  5. `{prefix}{type}:leases`: ZSET of active job IDs scored by their lease deadline.
//  6. `{prefix}{type}:completed` / `:failed`: capped LISTs of finished jobs.
//  7. `{prefix}{type}:stats`: HASH of lifetime completed/failed counters.
type RedisBroker struct {
	client redisClient
	prefix string
	lease  time.Duration
	logger zerolog.Logger
}

// NewRedisBroker is the constructor for the RedisBroker.
func NewRedisBroker(client redisClient, prefix string, logger zerolog.Logger) (*RedisBroker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "jobs:"
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		lease:  DefaultLease,
		logger: logger.With().Str("component", "RedisBroker").Logger(),
	}, nil
}

var _ queue.Broker = (*RedisBroker)(nil)

// WithLease sets how long a claimed job is owned by its worker. Values <= 0 keep the default.
func (b *RedisBroker) WithLease(lease time.Duration) *RedisBroker {
	if lease > 0 {
		b.lease = lease
	}
	return b
}

// waitingScore orders by priority rank first, then by enqueue time.
func waitingScore(job queue.Job) float64 {
	return float64(job.Priority.Rank())*rankSpan + float64(job.EnqueuedAt.UnixMilli())
}

// Submit stores the job data and adds it to the waiting set.
func (b *RedisBroker) Submit(ctx context.Context, job queue.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.key(job.Type, "data"), job.ID, payload)
		pipe.ZAdd(ctx, b.key(job.Type, "waiting"), redis.Z{Score: waitingScore(job), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	b.logger.Debug().Str("job", job.ID).Str("type", string(job.Type)).Str("priority", string(job.Priority)).Msg("Job submitted.")
	return nil
}

// Claim pops the best waiting job and leases it to the caller. The pop and the
// move to active run as one script, so a job is always waiting or active.
func (b *RedisBroker) Claim(ctx context.Context, jobType notify.JobType) (*queue.Job, error) {
	keys := []string{
		b.key(jobType, "waiting"),
		b.key(jobType, "data"),
		b.key(jobType, "active"),
		b.key(jobType, "leases"),
	}

	for {
		deadline := time.Now().Add(b.lease).UnixMilli()
		res, err := claimScript.Run(ctx, b.client, keys, deadline).Slice()
		if errors.Is(err, redis.Nil) || (err == nil && len(res) == 0) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		id, _ := res[0].(string)
		if len(res) < 2 {
			b.logger.Warn().Str("job", id).Msg("Claimed job has no data, skipping.")
			continue
		}
		payload, _ := res[1].(string)

		var job queue.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Remove the poison message so it cannot loop.
			b.logger.Error().Err(err).Str("job", id).Msg("Failed to unmarshal poison job, dropping.")
			_, _ = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, keys[2], id)
				pipe.ZRem(ctx, keys[3], id)
				return nil
			})
			continue
		}
		return &job, nil
	}
}

// Complete records a successful job.
func (b *RedisBroker) Complete(ctx context.Context, job queue.Job, keep int) error {
	return b.finish(ctx, job, "completed", keep)
}

// Fail records a terminally failed job.
func (b *RedisBroker) Fail(ctx context.Context, job queue.Job, keep int) error {
	return b.finish(ctx, job, "failed", keep)
}

func (b *RedisBroker) finish(ctx context.Context, job queue.Job, outcome string, keep int) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	listKey := b.key(job.Type, outcome)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.key(job.Type, "active"), job.ID)
		pipe.ZRem(ctx, b.key(job.Type, "leases"), job.ID)
		pipe.HIncrBy(ctx, b.key(job.Type, "stats"), outcome, 1)
		if keep > 0 {
			pipe.LPush(ctx, listKey, payload)
			pipe.LTrim(ctx, listKey, 0, int64(keep-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s job: %w", outcome, err)
	}
	return nil
}

// Retry moves the job from active to delayed.
func (b *RedisBroker) Retry(ctx context.Context, job queue.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, b.key(job.Type, "active"), job.ID)
		pipe.ZRem(ctx, b.key(job.Type, "leases"), job.ID)
		pipe.HSet(ctx, b.key(job.Type, "data"), job.ID, payload)
		if delay <= 0 {
			pipe.ZAdd(ctx, b.key(job.Type, "waiting"), redis.Z{Score: waitingScore(job), Member: job.ID})
		} else {
			due := time.Now().Add(delay).UnixMilli()
			pipe.ZAdd(ctx, b.key(job.Type, "delayed"), redis.Z{Score: float64(due), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	b.logger.Debug().Str("job", job.ID).Int("attempts", job.Attempts).Dur("delay", delay).Msg("Job scheduled for retry.")
	return nil
}

// PromoteDue moves due delayed jobs back to waiting, then reclaims active jobs
// whose lease lapsed before now. It returns how many jobs became claimable.
func (b *RedisBroker) PromoteDue(ctx context.Context, jobType notify.JobType, now time.Time) (int, error) {
	delayedKey := b.key(jobType, "delayed")
	ids, err := b.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		job, err := b.load(ctx, b.key(jobType, "data"), id)
		if err != nil {
			return promoted, err
		}
		if job == nil {
			b.logger.Warn().Str("job", id).Msg("Delayed job has no usable data, dropping.")
			_, _ = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, delayedKey, id)
				pipe.HDel(ctx, b.key(jobType, "data"), id)
				return nil
			})
			continue
		}
		// Only the caller whose script removes the member promotes it.
		moved, err := promoteScript.Run(ctx, b.client, []string{delayedKey, b.key(jobType, "waiting")}, id, waitingScore(*job)).Int()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote job: %w", err)
		}
		promoted += moved
	}

	reclaimed, err := b.reclaimStalled(ctx, jobType, now)
	return promoted + reclaimed, err
}

// reclaimStalled returns active jobs whose lease lapsed to waiting. The lapsed
// claim counts as an attempt.
func (b *RedisBroker) reclaimStalled(ctx context.Context, jobType notify.JobType, now time.Time) (int, error) {
	leasesKey := b.key(jobType, "leases")
	activeKey := b.key(jobType, "active")
	nowMs := now.UnixMilli()

	ids, err := b.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		job, err := b.load(ctx, activeKey, id)
		if err != nil {
			return reclaimed, err
		}
		if job == nil {
			_, _ = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, leasesKey, id)
				pipe.HDel(ctx, activeKey, id)
				return nil
			})
			continue
		}
		job.Attempts++
		job.LastError = reclaimedError
		payload, err := json.Marshal(job)
		if err != nil {
			return reclaimed, fmt.Errorf("failed to marshal job: %w", err)
		}
		keys := []string{leasesKey, activeKey, b.key(jobType, "data"), b.key(jobType, "waiting")}
		moved, err := reclaimScript.Run(ctx, b.client, keys, id, waitingScore(*job), payload, nowMs).Int()
		if err != nil {
			return reclaimed, fmt.Errorf("failed to reclaim job: %w", err)
		}
		if moved == 1 {
			b.logger.Warn().Str("job", id).Int("attempts", job.Attempts).Msg("Job lease lapsed, returned to waiting.")
		}
		reclaimed += moved
	}
	return reclaimed, nil
}

// load reads and decodes one job from a hash. A missing or undecodable entry yields nil.
func (b *RedisBroker) load(ctx context.Context, hashKey, id string) (*queue.Job, error) {
	payload, err := b.client.HGet(ctx, hashKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		b.logger.Error().Err(err).Str("job", id).Msg("Failed to unmarshal job.")
		return nil, nil
	}
	return &job, nil
}

// Stats reports the queue's counts. Delayed retries count as waiting.
func (b *RedisBroker) Stats(ctx context.Context, jobType notify.JobType) (notify.QueueStats, error) {
	var stats notify.QueueStats

	waiting, err := b.client.ZCard(ctx, b.key(jobType, "waiting")).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count waiting jobs: %w", err)
	}
	delayed, err := b.client.ZCard(ctx, b.key(jobType, "delayed")).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to count delayed jobs: %w", err)
	}
	stats.Waiting = waiting + delayed

	if stats.Active, err = b.client.HLen(ctx, b.key(jobType, "active")).Result(); err != nil {
		return stats, fmt.Errorf("failed to count active jobs: %w", err)
	}

	counters, err := b.client.HGetAll(ctx, b.key(jobType, "stats")).Result()
	if err != nil {
		return stats, fmt.Errorf("failed to read job counters: %w", err)
	}
	stats.Completed, _ = strconv.ParseInt(counters["completed"], 10, 64)
	stats.Failed, _ = strconv.ParseInt(counters["failed"], 10, 64)
	return stats, nil
}

// Ping checks that Redis answers.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// key formatting helper
func (b *RedisBroker) key(jobType notify.JobType, part string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, jobType, part)
}
