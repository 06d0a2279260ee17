// Package queue defines the broker contract used by the job dispatcher and the
// in-memory counters it falls back to.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// Job is a unit of work as stored by a broker.
type Job struct {
	ID         string          `json:"id"`
	Type       notify.JobType  `json:"type"`
	Priority   notify.Priority `json:"priority"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Broker is a durable priority queue with delayed retries. Claim must hand a
// job to exactly one caller.
type Broker interface {
	// Submit adds a job to the waiting set of its type.
	Submit(ctx context.Context, job Job) error

	// Claim moves the highest-priority, oldest waiting job to active under a
	// lease and returns it, or nil when nothing is waiting.
	Claim(ctx context.Context, jobType notify.JobType) (*Job, error)

	// Complete removes job from active and records it in the bounded completed history.
	Complete(ctx context.Context, job Job, keep int) error

	// Retry removes job from active and schedules it after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error

	// Fail removes job from active and records it in the bounded failed history.
	Fail(ctx context.Context, job Job, keep int) error

	// PromoteDue moves delayed jobs whose time has come back to waiting, along
	// with active jobs whose lease lapsed before now.
	PromoteDue(ctx context.Context, jobType notify.JobType, now time.Time) (int, error)

	Stats(ctx context.Context, jobType notify.JobType) (notify.QueueStats, error)
	Ping(ctx context.Context) error
}
