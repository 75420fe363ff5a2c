package hub

import (
	"sync"

	"desklink/internal/model"
)

// Writer is one transport's view of a connected client. Emit must not block
// on the network; transports queue and write from their own goroutine.
type Writer interface {
	Emit(event string, body any) error
	Close() error
}

// Connection binds a live realtime channel to an identity. Several
// connections may share an identity (tabs, devices).
type Connection struct {
	Identity model.Identity
	Writer   Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[model.Identity]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[model.Identity]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.Identity] == nil {
		h.connections[conn.Identity] = make(map[*Connection]struct{})
	}
	h.connections[conn.Identity][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.Identity]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.Identity)
	}
}

func (h *Hub) IsOnline(id model.Identity) bool {
	return h.Count(id) > 0
}

func (h *Hub) Count(id model.Identity) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[id])
}

// Emit fans event out to every binding of id and returns how many accepted
// it. Bindings whose writer fails are closed and dropped.
func (h *Hub) Emit(id model.Identity, event string, body any) int {
	h.mu.RLock()
	set := h.connections[id]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Emit(event, body); err != nil {
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
	return delivered
}
