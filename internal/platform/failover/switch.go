// Package failover provides a primary/fallback strategy switch shared by the
// cache and the job dispatcher.
package failover

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Prober checks whether a strategy is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Switch holds a primary and a fallback strategy of the same type. Once the
// primary fails the switch stays degraded until Reprobe succeeds.
type Switch[T any] struct {
	name     string
	primary  T
	fallback T
	probe    func(ctx context.Context) error
	degraded atomic.Bool
	mu       sync.Mutex
	logger   zerolog.Logger
}

// New creates a switch. A nil probe means the primary is never re-promoted.
func New[T any](name string, primary, fallback T, probe func(ctx context.Context) error, logger zerolog.Logger) *Switch[T] {
	return &Switch[T]{
		name:     name,
		primary:  primary,
		fallback: fallback,
		probe:    probe,
		logger:   logger.With().Str("component", "failover").Str("switch", name).Logger(),
	}
}

// NewDegraded creates a switch that starts on the fallback, for primaries that
// were unreachable at startup.
func NewDegraded[T any](name string, primary, fallback T, probe func(ctx context.Context) error, logger zerolog.Logger) *Switch[T] {
	s := New(name, primary, fallback, probe, logger)
	s.degraded.Store(true)
	return s
}

// Current returns the active strategy.
func (s *Switch[T]) Current() T {
	if s.degraded.Load() {
		return s.fallback
	}
	return s.primary
}

// Primary returns the primary strategy regardless of state.
func (s *Switch[T]) Primary() T { return s.primary }

// Fallback returns the fallback strategy regardless of state.
func (s *Switch[T]) Fallback() T { return s.fallback }

// Degraded reports whether the fallback is active.
func (s *Switch[T]) Degraded() bool {
	return s.degraded.Load()
}

// Demote switches to the fallback. It reports whether this call changed the state.
func (s *Switch[T]) Demote(cause error) bool {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn().Err(cause).Msg("Primary strategy failed, switching to fallback.")
		return true
	}
	return false
}

// Reprobe pings the primary and promotes it back when it answers. It returns
// true when the primary is active after the call.
func (s *Switch[T]) Reprobe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degraded.Load() {
		return true
	}
	if s.probe == nil {
		return false
	}
	if err := s.probe(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Primary still unreachable.")
		return false
	}
	s.degraded.Store(false)
	s.logger.Info().Msg("Primary strategy reachable again, promoted.")
	return true
}
