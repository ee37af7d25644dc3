package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskboard/internal/protocol"
)

// Limits bounds a single websocket connection.
type Limits struct {
	SendQueue       int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.SendQueue <= 0 {
		l.SendQueue = 64
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = 10 * time.Second
	}
	if l.PingInterval <= 0 {
		l.PingInterval = 30 * time.Second
	}
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = 64 << 10
	}
	return l
}

// Conn is one client websocket. Outbound frames go through a bounded queue
// drained by writePump; nothing else writes to ws.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	limits Limits
	logger *zap.Logger

	closeOnce sync.Once

	mu      sync.Mutex
	tokenID string
}

func newConn(id string, ws *websocket.Conn, limits Limits, logger *zap.Logger) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, limits.SendQueue),
		done:   make(chan struct{}),
		limits: limits,
		logger: logger.With(zap.String("conn_id", id)),
	}
}

// enqueue reports false only when the queue is full. A closed connection
// silently drops the frame.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) sendEnvelope(env protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("encode envelope", zap.String("event", env.Event), zap.Error(err))
		return true
	}
	return c.enqueue(data)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) TokenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenID
}

func (c *Conn) setTokenID(id string) {
	c.mu.Lock()
	c.tokenID = id
	c.mu.Unlock()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.limits.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.limits.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// readPump delivers inbound text frames to handle until the peer goes away or
// the connection is closed.
func (c *Conn) readPump(handle func([]byte)) {
	pongWait := c.limits.PingInterval * 2
	c.ws.SetReadLimit(c.limits.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
		if c.closed() {
			return
		}
	}
}
