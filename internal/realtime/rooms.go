package realtime

import "sync"

func userRoom(userID string) string { return "user:" + userID }
func roleRoom(role string) string   { return "role:" + role }

// rooms groups clients by room name, keyed by connection ID within a room.
type rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]*client
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[string]*client)}
}

func (r *rooms) join(room string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[room]
	if !ok {
		m = make(map[string]*client)
		r.members[room] = m
	}
	m[c.info.ConnectionID] = c
}

// leaveAll removes c from every room it joined.
func (r *rooms) leaveAll(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range c.rooms {
		m, ok := r.members[room]
		if !ok {
			continue
		}
		delete(m, c.info.ConnectionID)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
}

// clients returns a snapshot of the room's members.
func (r *rooms) clients(room string) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.members[room]
	out := make([]*client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

func (r *rooms) size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[room])
}
