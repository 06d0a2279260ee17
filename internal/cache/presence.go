package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

const sessionTTL = 24 * time.Hour

// Session remembers a user's previous connection so a reconnect can resync.
type Session struct {
	LastActivity   time.Time `json:"lastActivity"`
	ReconnectCount int       `json:"reconnectCount"`
}

// PresenceCache tracks which users are online and their reconnect sessions.
// Presence entries expire after the staleness threshold unless refreshed, so
// an orphaned key left by a crashed instance still goes away.
type PresenceCache struct {
	cache Cache
	ttl   time.Duration
}

// NewPresenceCache creates a presence cache whose entries live for ttl.
func NewPresenceCache(c Cache, ttl time.Duration) *PresenceCache {
	return &PresenceCache{cache: c, ttl: ttl}
}

func presenceKey(userID string) string { return fmt.Sprintf("presence:%s", userID) }
func sessionKey(userID string) string  { return fmt.Sprintf("session:%s", userID) }

// Set records the user as online and resets the TTL.
func (p *PresenceCache) Set(ctx context.Context, userID string, info notify.ConnectionInfo) {
	SetJSON(ctx, p.cache, presenceKey(userID), info, p.ttl)
}

// Fetch returns the connection info for an online user.
func (p *PresenceCache) Fetch(ctx context.Context, userID string) (notify.ConnectionInfo, bool) {
	return GetJSON[notify.ConnectionInfo](ctx, p.cache, presenceKey(userID))
}

// IsOnline reports whether a presence entry exists for the user.
func (p *PresenceCache) IsOnline(ctx context.Context, userID string) bool {
	return p.cache.Exists(ctx, presenceKey(userID))
}

// Delete removes the presence entry.
func (p *PresenceCache) Delete(ctx context.Context, userID string) {
	p.cache.Del(ctx, presenceKey(userID))
}

// SaveSession stores the session record with a 24h TTL.
func (p *PresenceCache) SaveSession(ctx context.Context, userID string, s Session) {
	SetJSON(ctx, p.cache, sessionKey(userID), s, sessionTTL)
}

// Session returns the last session record for the user, if any.
func (p *PresenceCache) Session(ctx context.Context, userID string) (Session, bool) {
	return GetJSON[Session](ctx, p.cache, sessionKey(userID))
}
