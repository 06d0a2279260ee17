package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// client is one live websocket. Only writePump writes to conn.
type client struct {
	conn         *websocket.Conn
	info         notify.Connection
	rooms        []string
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func newClient(conn *websocket.Conn, info notify.Connection, buffer int) *client {
	c := &client{
		conn: conn,
		info: info,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.touch(info.LastActivity)
	return c
}

func (c *client) touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

func (c *client) lastSeen() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *client) snapshot() notify.Connection {
	info := c.info
	info.LastActivity = c.lastSeen()
	return info
}

// enqueue queues a frame without blocking. A full buffer drops the frame.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown asks writePump to flush and close the socket.
func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			// Flush what was queued before shutdown, then say goodbye.
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *client) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
