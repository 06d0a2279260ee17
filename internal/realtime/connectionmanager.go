// Package realtime provides the websocket gateway: authenticated connections,
// rooms, heartbeats, staleness eviction and reconnect resync.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-campus-notify/internal/cache"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/auth"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// AckHandler receives client acknowledgments. The delivery tracker implements it.
type AckHandler interface {
	Acknowledge(ctx context.Context, userID, notificationID string) error
}

// Config holds the gateway's tunables.
type Config struct {
	Port                string
	StaleAfter          time.Duration
	SweepInterval       time.Duration
	SendBuffer          int
	CollaboratorTimeout time.Duration
	RecentLimit         int
	ResyncLimit         int
}

func (c *Config) withDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 10 * time.Second
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 20
	}
	if c.ResyncLimit <= 0 {
		c.ResyncLimit = 100
	}
}

// ConnectionManager manages all active WebSocket connections and user presence.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	cfg         Config
	server      *http.Server
	upgrader    websocket.Upgrader
	presence    *cache.PresenceCache
	store       notify.NotificationStore
	connections sync.Map // map[userID]*client
	rooms       *rooms
	logger      zerolog.Logger
	instanceID  string

	ackMu sync.RWMutex
	acks  AckHandler

	stop     chan struct{}
	stopOnce sync.Once
	sweepWG  sync.WaitGroup
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	cfg Config,
	authn auth.Authenticator,
	presence *cache.PresenceCache,
	store notify.NotificationStore,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if authn == nil {
		return nil, fmt.Errorf("authenticator cannot be nil")
	}
	if presence == nil || store == nil {
		return nil, fmt.Errorf("presence cache and notification store are required")
	}
	cfg.withDefaults()

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Credentials travel in the bearer token, not cookies.
				return true
			},
		},
		presence:   presence,
		store:      store,
		rooms:      newRooms(),
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
		stop:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", auth.Middleware(authn)(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm, nil
}

// SetAckHandler wires the delivery tracker after construction.
func (cm *ConnectionManager) SetAckHandler(h AckHandler) {
	cm.ackMu.Lock()
	cm.acks = h
	cm.ackMu.Unlock()
}

// Handler exposes the gateway's HTTP handler.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the staleness sweep and the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	cm.StartSweep()
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// StartSweep launches the periodic stale-connection sweep.
func (cm *ConnectionManager) StartSweep() {
	cm.sweepWG.Add(1)
	go func() {
		defer cm.sweepWG.Done()
		ticker := time.NewTicker(cm.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cm.stop:
				return
			case now := <-ticker.C:
				cm.Sweep(now)
			}
		}
	}()
}

// Shutdown stops the server and closes every live connection.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error

	cm.stopOnce.Do(func() { close(cm.stop) })
	cm.sweepWG.Wait()

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	cm.connections.Range(func(_, value any) bool {
		cm.remove(value.(*client), "server shutdown")
		return true
	})

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// connectHandler upgrades an authenticated request and runs the read loop.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	c := cm.add(id, conn)
	defer cm.remove(c, "client disconnected")

	cm.readLoop(c)
}

// add registers the connection, replacing any previous one for the same user.
func (cm *ConnectionManager) add(id auth.Identity, conn *websocket.Conn) *client {
	ctx, cancel := cm.collaboratorContext()
	defer cancel()

	now := time.Now()
	info := notify.Connection{
		UserID:       id.UserID,
		ConnectionID: uuid.NewString(),
		Role:         id.Role,
		ConnectedAt:  now,
		LastActivity: now,
	}

	session, reconnecting := cm.presence.Session(ctx, id.UserID)
	if reconnecting {
		info.ReconnectCount = session.ReconnectCount + 1
	}

	c := newClient(conn, info, cm.cfg.SendBuffer)
	c.rooms = []string{userRoom(id.UserID)}
	if id.Role != "" {
		c.rooms = append(c.rooms, roleRoom(id.Role))
	}
	go c.writePump()

	log := cm.logger.With().Str("user", id.UserID).Str("connection", info.ConnectionID).Logger()

	if prev, loaded := cm.connections.Swap(id.UserID, c); loaded {
		old := prev.(*client)
		log.Info().Str("superseded", old.info.ConnectionID).Msg("Newer connection supersedes existing one.")
		cm.emit(old, EventConnectionStatus, ConnectionStatusEvent{Connected: false, UserID: id.UserID, Timestamp: now})
		cm.rooms.leaveAll(old)
		old.shutdown()
	}
	for _, room := range c.rooms {
		cm.rooms.join(room, c)
	}

	cm.presence.Set(ctx, id.UserID, notify.ConnectionInfo{
		ServerInstanceID: cm.instanceID,
		ConnectionID:     info.ConnectionID,
		Role:             id.Role,
		ConnectedAt:      now.Unix(),
	})
	cm.presence.SaveSession(ctx, id.UserID, cache.Session{LastActivity: now, ReconnectCount: info.ReconnectCount})

	cm.emit(c, EventConnectionStatus, ConnectionStatusEvent{Connected: true, UserID: id.UserID, Timestamp: now})
	log.Info().Int("reconnects", info.ReconnectCount).Msg("User connected via WebSocket.")

	cm.sendSnapshot(ctx, c)
	if reconnecting {
		cm.resync(ctx, c, session.LastActivity)
	}
	return c
}

// sendSnapshot emits the unread count and recent unread items.
func (cm *ConnectionManager) sendSnapshot(ctx context.Context, c *client) {
	userID := c.info.UserID
	count, err := cm.store.UnreadCount(ctx, userID)
	if err != nil {
		cm.logger.Warn().Err(err).Str("user", userID).Msg("Failed to load unread count for snapshot.")
		return
	}
	cm.emit(c, EventUnreadCount, UnreadCountEvent{Count: count})

	recent, err := cm.store.Recent(ctx, userID, cm.cfg.RecentLimit)
	if err != nil {
		cm.logger.Warn().Err(err).Str("user", userID).Msg("Failed to load recent notifications for snapshot.")
		return
	}
	if len(recent) > 0 {
		cm.emit(c, EventMissed, newMissedEvent(recent))
	}
}

// resync re-emits unacknowledged notifications created after the previous session's last activity.
func (cm *ConnectionManager) resync(ctx context.Context, c *client, since time.Time) {
	userID := c.info.UserID
	items, err := cm.store.UnacknowledgedSince(ctx, userID, since, cm.cfg.ResyncLimit)
	if err != nil {
		cm.logger.Warn().Err(err).Str("user", userID).Msg("Reconnect resync failed.")
		return
	}
	if len(items) == 0 {
		return
	}
	cm.logger.Info().Str("user", userID).Int("count", len(items)).Msg("Resyncing missed notifications after reconnect.")
	cm.emit(c, EventMissed, newMissedEvent(items))
}

// Remove disconnects the user's current connection, if any.
func (cm *ConnectionManager) Remove(userID string) {
	if v, ok := cm.connections.Load(userID); ok {
		cm.remove(v.(*client), "removed")
	}
}

// remove unregisters c. Presence is only cleared when c is still the user's
// authoritative connection. Pending acknowledgments are left alone.
func (cm *ConnectionManager) remove(c *client, reason string) {
	userID := c.info.UserID
	cm.rooms.leaveAll(c)
	c.shutdown()

	if !cm.connections.CompareAndDelete(userID, c) {
		return
	}

	ctx, cancel := cm.collaboratorContext()
	defer cancel()
	cm.presence.Delete(ctx, userID)
	cm.presence.SaveSession(ctx, userID, cache.Session{LastActivity: c.lastSeen(), ReconnectCount: c.info.ReconnectCount})

	cm.logger.Info().Str("user", userID).Str("connection", c.info.ConnectionID).Str("reason", reason).Msg("User disconnected.")
}

// Sweep evicts connections idle for longer than the staleness threshold,
// whether or not the transport noticed. It returns the number evicted.
func (cm *ConnectionManager) Sweep(now time.Time) int {
	var stale []*client
	cm.connections.Range(func(_, value any) bool {
		c := value.(*client)
		if now.Sub(c.lastSeen()) > cm.cfg.StaleAfter {
			stale = append(stale, c)
		}
		return true
	})
	for _, c := range stale {
		cm.remove(c, notify.ErrStaleConnection.Error())
	}
	if len(stale) > 0 {
		cm.logger.Info().Int("evicted", len(stale)).Msg("Stale connection sweep complete.")
	}
	return len(stale)
}

func (cm *ConnectionManager) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			cm.logger.Debug().Err(err).Str("user", c.info.UserID).Msg("Ignoring malformed frame.")
			continue
		}
		cm.handleFrame(c, frame)
	}
}

func (cm *ConnectionManager) handleFrame(c *client, frame Frame) {
	userID := c.info.UserID
	now := time.Now()
	c.touch(now)

	ctx, cancel := cm.collaboratorContext()
	defer cancel()

	switch frame.Event {
	case EventHeartbeat:
		cm.presence.Set(ctx, userID, notify.ConnectionInfo{
			ServerInstanceID: cm.instanceID,
			ConnectionID:     c.info.ConnectionID,
			Role:             c.info.Role,
			ConnectedAt:      c.info.ConnectedAt.Unix(),
		})
		cm.presence.SaveSession(ctx, userID, cache.Session{LastActivity: now, ReconnectCount: c.info.ReconnectCount})
		cm.emit(c, EventHeartbeatAck, HeartbeatAckEvent{Timestamp: now})

	case EventMarkRead:
		var ref notificationRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.NotificationID == "" {
			cm.logger.Debug().Str("user", userID).Msg("mark-read without notificationId.")
			return
		}
		if err := cm.store.MarkRead(ctx, userID, ref.NotificationID); err != nil {
			cm.logger.Warn().Err(err).Str("user", userID).Str("notification", ref.NotificationID).Msg("Failed to mark notification read.")
		}
		cm.sendUnreadCount(ctx, c)

	case EventMarkAllRead:
		if err := cm.store.MarkAllRead(ctx, userID); err != nil {
			cm.logger.Warn().Err(err).Str("user", userID).Msg("Failed to mark all notifications read.")
		}
		cm.sendUnreadCount(ctx, c)

	case EventAcknowledge:
		var ref notificationRef
		if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.NotificationID == "" {
			cm.logger.Debug().Str("user", userID).Msg("acknowledge without notificationId.")
			return
		}
		cm.ackMu.RLock()
		h := cm.acks
		cm.ackMu.RUnlock()
		if h == nil {
			return
		}
		if err := h.Acknowledge(ctx, userID, ref.NotificationID); err != nil {
			cm.logger.Warn().Err(err).Str("user", userID).Str("notification", ref.NotificationID).Msg("Failed to record acknowledgment.")
		}

	default:
		cm.logger.Debug().Str("user", userID).Str("event", frame.Event).Msg("Ignoring unknown event.")
	}
}

func (cm *ConnectionManager) sendUnreadCount(ctx context.Context, c *client) {
	count, err := cm.store.UnreadCount(ctx, c.info.UserID)
	if err != nil {
		cm.logger.Warn().Err(err).Str("user", c.info.UserID).Msg("Failed to load unread count.")
		return
	}
	cm.emit(c, EventUnreadCount, UnreadCountEvent{Count: count})
}

// emit queues an event for c. It never blocks; a full buffer drops the frame.
func (cm *ConnectionManager) emit(c *client, event string, data any) bool {
	frame, err := encodeFrame(event, data)
	if err != nil {
		cm.logger.Error().Err(err).Str("event", event).Msg("Failed to encode frame.")
		return false
	}
	if !c.enqueue(frame) {
		cm.logger.Warn().Str("user", c.info.UserID).Str("event", event).Msg("Send buffer full or closed, dropping frame.")
		return false
	}
	return true
}

// Push emits notification:new to the user if they are online. It reports
// whether the frame was queued on a live socket.
func (cm *ConnectionManager) Push(ctx context.Context, userID string, n notify.Notification) bool {
	if !cm.presence.IsOnline(ctx, userID) {
		return false
	}
	return cm.SendToUser(userID, EventNew, NewNotificationEvent(n))
}

// PushToRole emits notification:new to every member of the role room and
// returns how many sockets received it.
func (cm *ConnectionManager) PushToRole(_ context.Context, role string, n notify.Notification) int {
	return cm.SendToRole(role, EventNew, NewNotificationEvent(n))
}

// SendToUser emits an event to the user's room.
func (cm *ConnectionManager) SendToUser(userID, event string, data any) bool {
	sent := false
	for _, c := range cm.rooms.clients(userRoom(userID)) {
		if cm.emit(c, event, data) {
			sent = true
		}
	}
	return sent
}

// SendToRole emits an event to every connection in the role room.
func (cm *ConnectionManager) SendToRole(role, event string, data any) int {
	sent := 0
	for _, c := range cm.rooms.clients(roleRoom(role)) {
		if cm.emit(c, event, data) {
			sent++
		}
	}
	return sent
}

// IsConnected reports whether this instance holds a live socket for the user.
func (cm *ConnectionManager) IsConnected(userID string) bool {
	_, ok := cm.connections.Load(userID)
	return ok
}

// Connections returns a snapshot of live connections.
func (cm *ConnectionManager) Connections() []notify.Connection {
	var out []notify.Connection
	cm.connections.Range(func(_, value any) bool {
		out = append(out, value.(*client).snapshot())
		return true
	})
	return out
}

// RoleSize returns how many sockets are in the role's room.
func (cm *ConnectionManager) RoleSize(role string) int {
	return cm.rooms.size(roleRoom(role))
}

func (cm *ConnectionManager) collaboratorContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cm.cfg.CollaboratorTimeout)
}
