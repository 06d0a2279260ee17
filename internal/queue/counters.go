package queue

import (
	"sync"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// Counters keeps per-queue stats for jobs executed inline while the broker is
// unavailable. They are process-local.
type Counters struct {
	mu     sync.Mutex
	queues map[notify.JobType]*notify.QueueStats
}

func NewCounters() *Counters {
	return &Counters{queues: make(map[notify.JobType]*notify.QueueStats)}
}

func (c *Counters) get(t notify.JobType) *notify.QueueStats {
	s, ok := c.queues[t]
	if !ok {
		s = &notify.QueueStats{}
		c.queues[t] = s
	}
	return s
}

// Started marks an inline job as active.
func (c *Counters) Started(t notify.JobType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(t).Active++
}

// Finished moves an inline job from active to completed or failed.
func (c *Counters) Finished(t notify.JobType, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.get(t)
	if s.Active > 0 {
		s.Active--
	}
	if ok {
		s.Completed++
	} else {
		s.Failed++
	}
}

// Snapshot returns a copy of every queue's counters, including zeroed ones.
func (c *Counters) Snapshot() map[string]notify.QueueStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]notify.QueueStats, len(notify.JobTypes))
	for _, t := range notify.JobTypes {
		out[string(t)] = *c.get(t)
	}
	return out
}
