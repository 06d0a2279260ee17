// Package dispatch turns producer requests into prioritized, retried jobs. Jobs
// go to a durable broker when it is reachable and run inline, once, when it is not.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/failover"
	"github.com/tinywideclouds/go-campus-notify/internal/queue"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// Pusher delivers push notifications to live sockets. The gateway implements it.
type Pusher interface {
	Push(ctx context.Context, userID string, n notify.Notification) bool
	PushToRole(ctx context.Context, role string, n notify.Notification) int
}

// AckTracker records notifications that wait for a client acknowledgment.
type AckTracker interface {
	Track(ctx context.Context, userID string, n notify.Notification)
}

// Config holds the dispatcher's tunables.
type Config struct {
	NumWorkers          int
	PollInterval        time.Duration
	PromoteInterval     time.Duration
	CollaboratorTimeout time.Duration
	Policies            map[notify.JobType]Policy
}

func (c *Config) withDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 10 * time.Second
	}
}

// Dependencies are the collaborators a Dispatcher drives. Broker may be nil,
// in which case every job runs inline.
type Dependencies struct {
	Broker  queue.Broker
	Store   notify.NotificationStore
	Pusher  Pusher
	Tracker AckTracker
	Email   notify.EmailSender
	SMS     notify.SMSSender
	Reports notify.ReportRunner
}

type handlerFunc func(ctx context.Context, job queue.Job) error

// Dispatcher is the internal submission API for domain services.
type Dispatcher struct {
	cfg       Config
	policies  map[notify.JobType]Policy
	deps      Dependencies
	mode      *failover.Switch[notify.DispatchMode]
	counters  *queue.Counters
	validator *payloadValidator
	handlers  map[notify.JobType]handlerFunc
	statuses  sync.Map // map[jobID]notify.JobStatus, only while this process holds the job
	logger    zerolog.Logger

	observerMu sync.RWMutex
	observer   func(jobID string, status notify.JobStatus)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. The broker is pinged once; an unreachable broker
// starts the dispatcher in inline mode.
func New(ctx context.Context, cfg Config, deps Dependencies, logger zerolog.Logger) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("notification store cannot be nil")
	}
	if deps.Pusher == nil {
		return nil, fmt.Errorf("pusher cannot be nil")
	}
	cfg.withDefaults()

	d := &Dispatcher{
		cfg:       cfg,
		policies:  mergePolicies(cfg.Policies),
		deps:      deps,
		counters:  queue.NewCounters(),
		validator: newPayloadValidator(),
		logger:    logger.With().Str("component", "Dispatcher").Logger(),
	}
	d.handlers = map[notify.JobType]handlerFunc{
		notify.JobNotification: d.handleNotification,
		notify.JobEmail:        d.handleEmail,
		notify.JobSMS:          d.handleSMS,
		notify.JobReport:       d.handleReport,
	}

	if deps.Broker == nil {
		d.logger.Warn().Msg("No broker configured, jobs will run inline.")
		d.mode = failover.NewDegraded("dispatch", notify.ModeBroker, notify.ModeInline, nil, logger)
		return d, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.CollaboratorTimeout)
	defer cancel()
	if err := deps.Broker.Ping(pingCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Broker unreachable at startup, jobs will run inline.")
		d.mode = failover.NewDegraded("dispatch", notify.ModeBroker, notify.ModeInline, deps.Broker.Ping, logger)
		return d, nil
	}
	d.mode = failover.New("dispatch", notify.ModeBroker, notify.ModeInline, deps.Broker.Ping, logger)
	return d, nil
}

// SetObserver installs a callback invoked on every job status transition.
func (d *Dispatcher) SetObserver(fn func(jobID string, status notify.JobStatus)) {
	d.observerMu.Lock()
	d.observer = fn
	d.observerMu.Unlock()
}

// Mode reports which path new jobs take.
func (d *Dispatcher) Mode() notify.DispatchMode {
	return d.mode.Current()
}

// Reprobe pings the broker and leaves inline mode when it answers.
func (d *Dispatcher) Reprobe(ctx context.Context) bool {
	return d.mode.Reprobe(ctx)
}

// Ping reports broker health for the health monitor.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if d.deps.Broker == nil {
		return fmt.Errorf("%w: no broker configured", notify.ErrBrokerUnavailable)
	}
	if err := d.deps.Broker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", notify.ErrBrokerUnavailable, err)
	}
	if d.mode.Degraded() {
		return fmt.Errorf("%w: broker reachable but dispatcher still inline", notify.ErrBrokerUnavailable)
	}
	return nil
}

// InFlight counts the jobs whose status this process is holding.
func (d *Dispatcher) InFlight() int {
	n := 0
	d.statuses.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Policy returns the effective policy for a job type.
func (d *Dispatcher) Policy(t notify.JobType) Policy {
	return d.policies[t]
}

// EnqueueNotification queues a notification for one user on the given channels.
// An empty channel list means push only.
func (d *Dispatcher) EnqueueNotification(ctx context.Context, userID string, payload notify.Payload, channels []notify.Channel) (notify.JobDescriptor, error) {
	if userID == "" {
		return notify.JobDescriptor{}, &notify.ValidationError{Field: "UserID", Message: "failed on 'required' validation"}
	}
	if len(channels) == 0 {
		channels = []notify.Channel{notify.ChannelPush}
	}
	for _, ch := range channels {
		if ch != notify.ChannelPush && ch != notify.ChannelEmail && ch != notify.ChannelSMS {
			return notify.JobDescriptor{}, &notify.ValidationError{Field: "Channels", Message: fmt.Sprintf("unknown channel '%s'", ch)}
		}
	}
	job := notify.NotificationJob{UserID: userID, Payload: payload, Channels: channels}
	return d.Enqueue(ctx, notify.JobNotification, job, payload.Priority)
}

// EnqueueRoleNotification queues a push-only notification to every member of a role.
func (d *Dispatcher) EnqueueRoleNotification(ctx context.Context, role string, payload notify.Payload) (notify.JobDescriptor, error) {
	if role == "" {
		return notify.JobDescriptor{}, &notify.ValidationError{Field: "Role", Message: "failed on 'required' validation"}
	}
	job := notify.NotificationJob{Role: role, Payload: payload, Channels: []notify.Channel{notify.ChannelPush}}
	return d.Enqueue(ctx, notify.JobNotification, job, payload.Priority)
}

// EnqueueEmail queues an outbound email.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, msg notify.EmailMessage, priority notify.Priority) (notify.JobDescriptor, error) {
	return d.Enqueue(ctx, notify.JobEmail, msg, priority)
}

// EnqueueSMS queues an outbound SMS.
func (d *Dispatcher) EnqueueSMS(ctx context.Context, msg notify.SMSMessage, priority notify.Priority) (notify.JobDescriptor, error) {
	return d.Enqueue(ctx, notify.JobSMS, msg, priority)
}

// EnqueueReport queues a report run.
func (d *Dispatcher) EnqueueReport(ctx context.Context, req notify.ReportRequest, priority notify.Priority) (notify.JobDescriptor, error) {
	return d.Enqueue(ctx, notify.JobReport, req, priority)
}

// Enqueue validates payload and hands it to the broker, or runs it inline when
// the broker is unavailable. Only validation failures are returned as errors.
func (d *Dispatcher) Enqueue(ctx context.Context, jobType notify.JobType, payload any, priority notify.Priority) (notify.JobDescriptor, error) {
	if _, ok := d.handlers[jobType]; !ok {
		return notify.JobDescriptor{}, &notify.ValidationError{Field: "Type", Message: fmt.Sprintf("unknown job type '%s'", jobType)}
	}
	if err := d.validator.Validate(payload); err != nil {
		return notify.JobDescriptor{}, err
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	priority = priority.Normalize()

	if nj, ok := payload.(notify.NotificationJob); ok {
		nj.ID = id
		nj.EnqueuedAt = now
		nj.Status = notify.StatusQueued
		nj.Payload.Priority = priority
		payload = nj
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return notify.JobDescriptor{}, fmt.Errorf("%w: %v", notify.ErrInvalidPayload, err)
	}
	job := queue.Job{ID: id, Type: jobType, Priority: priority, Payload: raw, EnqueuedAt: now}

	// Recorded before Submit so a fast worker cannot observe the job first.
	d.transition(job.ID, notify.StatusQueued)
	if d.mode.Current() == notify.ModeBroker {
		err := d.deps.Broker.Submit(ctx, job)
		if err == nil {
			// The broker owns the job now; a worker may already have moved it on.
			d.statuses.CompareAndDelete(job.ID, notify.StatusQueued)
			return descriptor(job, notify.ModeBroker, notify.StatusQueued, ""), nil
		}
		d.brokerFailed(ctx, err)
	}
	return d.runInline(ctx, job), nil
}

// runInline executes the side effect once, synchronously.
func (d *Dispatcher) runInline(ctx context.Context, job queue.Job) notify.JobDescriptor {
	log := d.logger.With().Str("job", job.ID).Str("type", string(job.Type)).Logger()
	d.transition(job.ID, notify.StatusProcessing)
	d.counters.Started(job.Type)

	job.Attempts = 1
	err := d.execute(ctx, job)
	d.counters.Finished(job.Type, err == nil || errors.Is(err, errJobExpired))

	if errors.Is(err, errJobExpired) {
		d.transition(job.ID, notify.StatusExpired)
		return descriptor(job, notify.ModeInline, notify.StatusExpired, err.Error())
	}
	if err != nil {
		log.Warn().Err(err).Msg("Inline job failed.")
		d.markFailed(ctx, job)
		return descriptor(job, notify.ModeInline, notify.StatusFailed, err.Error())
	}
	status := d.transition(job.ID, notify.StatusDelivered)
	log.Debug().Msg("Inline job completed.")
	return descriptor(job, notify.ModeInline, status, "executed inline")
}

// Stats never fails: broker counts when healthy, local counters in inline
// mode, and partial counts with Error set when the broker misbehaves.
func (d *Dispatcher) Stats(ctx context.Context) notify.DispatchStats {
	if d.mode.Degraded() {
		return notify.DispatchStats{
			Enabled: false,
			Mode:    notify.ModeInline,
			Queues:  d.counters.Snapshot(),
		}
	}

	out := notify.DispatchStats{
		Enabled: true,
		Mode:    notify.ModeBroker,
		Queues:  make(map[string]notify.QueueStats, len(notify.JobTypes)),
	}
	var errs []string
	for _, t := range notify.JobTypes {
		s, err := d.deps.Broker.Stats(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", t, err))
			continue
		}
		out.Queues[string(t)] = s
	}
	if len(errs) > 0 {
		out.Error = strings.Join(errs, "; ")
	}
	return out
}

// Start launches NumWorkers workers per queue and the delayed-job promoter.
func (d *Dispatcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, t := range notify.JobTypes {
		for i := 0; i < d.cfg.NumWorkers; i++ {
			d.wg.Add(1)
			go d.worker(runCtx, t)
		}
	}
	d.wg.Add(1)
	go d.promoter(runCtx)

	d.logger.Info().Int("workers_per_queue", d.cfg.NumWorkers).Str("mode", string(d.Mode())).Msg("Dispatcher started.")
	return nil
}

// Shutdown stops the workers and waits for in-flight jobs or ctx expiry.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info().Msg("Dispatcher stopped.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker(ctx context.Context, t notify.JobType) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if d.mode.Degraded() {
			if !sleep(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}
		job, err := d.deps.Broker.Claim(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.brokerFailed(ctx, err)
			continue
		}
		if job == nil {
			if !sleep(ctx, d.cfg.PollInterval) {
				return
			}
			continue
		}
		d.process(context.WithoutCancel(ctx), *job)
	}
}

func (d *Dispatcher) promoter(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if d.mode.Degraded() {
				continue
			}
			for _, t := range notify.JobTypes {
				if _, err := d.deps.Broker.PromoteDue(ctx, t, now); err != nil {
					d.brokerFailed(ctx, err)
					break
				}
			}
		}
	}
}

// process runs a claimed job and records the outcome with the broker.
func (d *Dispatcher) process(ctx context.Context, job queue.Job) {
	policy := d.policies[job.Type]
	log := d.logger.With().Str("job", job.ID).Str("type", string(job.Type)).Logger()

	// A job with attempts behind it already reported processing.
	if job.Attempts == 0 {
		d.transition(job.ID, notify.StatusProcessing)
	}
	job.Attempts++
	err := d.execute(ctx, job)

	if err == nil || errors.Is(err, errJobExpired) {
		if err != nil {
			log.Info().Msg("Notification expired before delivery.")
			d.transition(job.ID, notify.StatusExpired)
		} else {
			d.transition(job.ID, notify.StatusDelivered)
		}
		if err := d.deps.Broker.Complete(ctx, job, policy.KeepCompleted); err != nil {
			d.brokerFailed(ctx, err)
		}
		return
	}

	job.LastError = err.Error()
	if policy.Exhausted(job.Attempts) {
		log.Error().Err(notify.ErrAttemptsExhausted).Str("last_error", job.LastError).Int("attempts", job.Attempts).Msg("Job failed terminally.")
		d.markFailed(ctx, job)
		if err := d.deps.Broker.Fail(ctx, job, policy.KeepFailed); err != nil {
			d.brokerFailed(ctx, err)
		}
		return
	}

	delay := policy.Delay(job.Attempts)
	log.Warn().Err(err).Int("attempts", job.Attempts).Dur("retry_in", delay).Msg("Job failed, scheduling retry.")
	d.statuses.Delete(job.ID)
	if err := d.deps.Broker.Retry(ctx, job, delay); err != nil {
		d.brokerFailed(ctx, err)
	}
}

// execute runs the job's handler bounded by the collaborator timeout.
func (d *Dispatcher) execute(ctx context.Context, job queue.Job) error {
	handler := d.handlers[job.Type]
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.CollaboratorTimeout)
	defer cancel()
	return handler(runCtx, job)
}

func (d *Dispatcher) markFailed(ctx context.Context, job queue.Job) {
	d.transition(job.ID, notify.StatusFailed)
	if job.Type != notify.JobNotification {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, d.cfg.CollaboratorTimeout)
	defer cancel()
	if err := d.deps.Store.UpdateStatus(storeCtx, job.ID, notify.StatusFailed); err != nil && !errors.Is(err, notify.ErrNotFound) {
		d.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to record failed status.")
	}
}

// transition moves a job forward and notifies the observer. Backward moves are
// ignored. It returns the job's status after the call.
func (d *Dispatcher) transition(jobID string, next notify.JobStatus) notify.JobStatus {
	if v, ok := d.statuses.Load(jobID); ok {
		prev := v.(notify.JobStatus)
		if prev == next || !prev.CanAdvanceTo(next) {
			return prev
		}
	}
	if next.Terminal() {
		d.statuses.Delete(jobID)
	} else {
		d.statuses.Store(jobID, next)
	}

	d.observerMu.RLock()
	fn := d.observer
	d.observerMu.RUnlock()
	if fn != nil {
		fn(jobID, next)
	}
	return next
}

// brokerFailed demotes to inline mode. Errors caused by ctx ending are the
// caller's, not the broker's, and leave the mode alone.
func (d *Dispatcher) brokerFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		d.logger.Debug().Err(err).Msg("Broker call abandoned by caller.")
		return
	}
	if d.mode.Demote(fmt.Errorf("%w: %v", notify.ErrBrokerUnavailable, err)) {
		d.logger.Error().Err(err).Msg("Broker unavailable, running jobs inline until reprobe.")
	}
}

func descriptor(job queue.Job, mode notify.DispatchMode, status notify.JobStatus, result string) notify.JobDescriptor {
	return notify.JobDescriptor{
		ID:         job.ID,
		Type:       job.Type,
		Queue:      string(job.Type),
		Priority:   job.Priority,
		Mode:       mode,
		Status:     status,
		Result:     result,
		EnqueuedAt: job.EnqueuedAt,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
