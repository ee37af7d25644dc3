package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"taskboard/internal/metrics"
	"taskboard/internal/protocol"
)

// Hub tracks live connections and fans events out to all of them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{conns: make(map[string]*Conn), logger: logger}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	n := len(h.conns)
	h.mu.Unlock()
	metrics.Connections.Set(float64(n))
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast pushes an event to every connection without blocking. A
// connection whose queue is full is closed.
func (h *Hub) Broadcast(event string, payload any) {
	env, err := protocol.NewEvent(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("closing slow consumer", zap.String("conn_id", c.id))
			metrics.DroppedConnections.Inc()
			c.close()
		}
	}
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.close()
	}
}
