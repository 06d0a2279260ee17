// Package cache provides the key/value and presence store used by the gateway,
// the delivery tracker and the health monitor. A distributed Redis strategy is
// preferred; any error from it, other than the caller giving up, switches the
// store to an in-process strategy until an explicit Reprobe.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/failover"
)

// Strategy is a cache backend. Implementations return errors; the Store hides them.
type Strategy interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Name() string
}

// Cache is the error-free view consumers depend on.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Get(ctx context.Context, key string) ([]byte, bool)
	Del(ctx context.Context, key string)
	Exists(ctx context.Context, key string) bool
}

// Store supervises a primary and a fallback strategy.
type Store struct {
	sw     *failover.Switch[Strategy]
	logger zerolog.Logger
}

// NewStore creates a Store. A nil primary runs on the fallback only.
func NewStore(primary Strategy, fallback Strategy, logger zerolog.Logger) (*Store, error) {
	if fallback == nil {
		return nil, fmt.Errorf("fallback strategy cannot be nil")
	}
	storeLogger := logger.With().Str("component", "CacheStore").Logger()

	if primary == nil {
		storeLogger.Warn().Str("strategy", fallback.Name()).Msg("No distributed cache configured, using in-process cache.")
		return &Store{
			sw:     failover.NewDegraded[Strategy]("cache", fallback, fallback, nil, logger),
			logger: storeLogger,
		}, nil
	}
	return &Store{
		sw:     failover.New[Strategy]("cache", primary, fallback, primary.Ping, logger),
		logger: storeLogger,
	}, nil
}

// NewStoreDegraded creates a Store whose primary was unreachable at startup.
func NewStoreDegraded(primary Strategy, fallback Strategy, logger zerolog.Logger) *Store {
	return &Store{
		sw:     failover.NewDegraded[Strategy]("cache", primary, fallback, primary.Ping, logger),
		logger: logger.With().Str("component", "CacheStore").Logger(),
	}
}

// Set stores value under key. It always succeeds from the caller's point of view.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if err := s.sw.Current().Set(ctx, key, value, ttl); err != nil {
		s.demote(ctx, err, "set", key)
		_ = s.sw.Fallback().Set(ctx, key, value, ttl)
	}
	return true
}

// Get returns the value for key, or false when it is absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := s.sw.Current().Get(ctx, key)
	if err != nil {
		s.demote(ctx, err, "get", key)
		val, ok, _ = s.sw.Fallback().Get(ctx, key)
	}
	return val, ok
}

// Del removes key.
func (s *Store) Del(ctx context.Context, key string) {
	if err := s.sw.Current().Del(ctx, key); err != nil {
		s.demote(ctx, err, "del", key)
		_ = s.sw.Fallback().Del(ctx, key)
	}
}

// Exists reports whether key holds a live value.
func (s *Store) Exists(ctx context.Context, key string) bool {
	ok, err := s.sw.Current().Exists(ctx, key)
	if err != nil {
		s.demote(ctx, err, "exists", key)
		ok, _ = s.sw.Fallback().Exists(ctx, key)
	}
	return ok
}

// Ping checks the active strategy. A degraded store reports the primary's state.
func (s *Store) Ping(ctx context.Context) error {
	if s.sw.Degraded() {
		if err := s.sw.Primary().Ping(ctx); err != nil {
			return fmt.Errorf("cache running on %s: %w", s.sw.Fallback().Name(), err)
		}
		return fmt.Errorf("cache running on %s, primary reachable but not promoted", s.sw.Fallback().Name())
	}
	return s.sw.Current().Ping(ctx)
}

// Reprobe attempts to promote the primary strategy again.
func (s *Store) Reprobe(ctx context.Context) bool {
	return s.sw.Reprobe(ctx)
}

// Backend names the active strategy.
func (s *Store) Backend() string {
	return s.sw.Current().Name()
}

// Degraded reports whether the in-process strategy is active.
func (s *Store) Degraded() bool {
	return s.sw.Degraded()
}

// demote switches to the fallback unless the failure came from the caller's
// own context, which says nothing about the backend.
func (s *Store) demote(ctx context.Context, err error, op, key string) {
	if ctx.Err() != nil {
		s.logger.Debug().Err(err).Str("op", op).Str("key", key).Msg("Cache call abandoned by caller.")
		return
	}
	if s.sw.Demote(err) {
		s.logger.Error().Err(err).Str("op", op).Str("key", key).Msg("Cache backend failed, continuing on in-process cache.")
	}
}

// SetJSON marshals value and stores it.
func SetJSON[T any](ctx context.Context, c Cache, key string, value T, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON fetches and unmarshals the value under key. Undecodable values read as absent.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var out T
	data, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}
