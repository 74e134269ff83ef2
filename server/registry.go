package server

import (
	"sync"
	"time"

	"github.com/reef-social/reef/events"
)

// SocketConn is one live websocket connection's registry entry.
type SocketConn struct {
	ID          uint64
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time
	Sub         *events.Subscription
}

// ConnRegistry tracks live connections and their subscriptions. All
// membership state for a connection lives on its Subscription; the registry
// itself only maps connection ids to entries, under one lock.
type ConnRegistry struct {
	lk     sync.RWMutex
	nextID uint64
	conns  map[uint64]*SocketConn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[uint64]*SocketConn),
	}
}

// Register adds a connection and returns its id.
func (r *ConnRegistry) Register(conn *SocketConn) uint64 {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.nextID++
	conn.ID = r.nextID
	r.conns[conn.ID] = conn
	connectedSockets.Inc()
	return conn.ID
}

// Unregister removes a connection. Unknown ids are a no-op.
func (r *ConnRegistry) Unregister(id uint64) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		connectedSockets.Dec()
	}
}

// Len reports the number of live connections.
func (r *ConnRegistry) Len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.conns)
}

// List returns a snapshot of all live connections.
func (r *ConnRegistry) List() []*SocketConn {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]*SocketConn, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}
