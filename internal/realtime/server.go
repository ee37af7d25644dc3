// Package realtime serves the websocket endpoint: it decodes request
// envelopes, runs them against the task service, acks the sender and fans
// committed mutations out to every connection.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"taskboard/internal/app"
	"taskboard/internal/metrics"
	"taskboard/internal/protocol"
	"taskboard/internal/session"
	"taskboard/internal/util"
)

const requestTimeout = 15 * time.Second

// Backend is the task service the dispatcher drives. *app.Service satisfies it.
type Backend interface {
	Register(ctx context.Context, login, password string) (app.AuthResult, error)
	Login(ctx context.Context, login, password string) (app.AuthResult, error)
	RestoreSession(ctx context.Context, login, token string) (app.AuthResult, error)
	Logout(ctx context.Context, tokenID string) error
	CreateTask(ctx context.Context, identity session.Identity, title, description, correlationID string) (app.Mutation, error)
	ShareTask(ctx context.Context, identity session.Identity, taskID string, recipients []string, correlationID string) (app.Mutation, error)
	CompleteTask(ctx context.Context, identity session.Identity, taskID, correlationID string) (app.Mutation, error)
	DeleteTask(ctx context.Context, identity session.Identity, taskID, correlationID string) (app.Mutation, error)
	GetProfile(ctx context.Context, login string) (protocol.Profile, error)
	ListTasks(ctx context.Context, identity session.Identity) ([]protocol.Task, error)
	SearchTasks(ctx context.Context, identity session.Identity, query string, limit int) ([]protocol.SearchResult, error)
}

type Options struct {
	Backend        Backend
	Registry       *session.Registry
	Logger         *zap.Logger
	AllowedOrigins []string
	Limits         Limits
}

type Server struct {
	backend  Backend
	registry *session.Registry
	hub      *Hub
	upgrader websocket.Upgrader
	limits   Limits
	logger   *zap.Logger
	now      func() time.Time
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}
	s := &Server{
		backend:  opts.Backend,
		registry: registry,
		hub:      NewHub(logger),
		limits:   opts.Limits.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Stats reports open connections and who is signed in on them.
func (s *Server) Stats() map[string]any {
	logins := s.registry.Logins()
	return map[string]any{
		"connections":   s.hub.Count(),
		"authenticated": s.registry.Count(),
		"online_logins": logins,
	}
}

// Shutdown closes every open connection.
func (s *Server) Shutdown() {
	s.hub.CloseAll()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(util.NewID("conn"), ws, s.limits, s.logger)
	s.hub.register(c)
	c.logger.Debug("connection opened", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	ctx := context.WithoutCancel(r.Context())
	c.readPump(func(data []byte) { s.dispatch(ctx, c, data) })

	s.disconnect(c)
}

// disconnect unbinds the identity but keeps its restore token valid so the
// client can restore after reconnecting.
func (s *Server) disconnect(c *Conn) {
	c.close()
	s.hub.unregister(c)
	if identity, ok := s.registry.Unbind(c.id); ok {
		c.logger.Debug("connection closed", zap.String("login", identity.Login))
	}
	metrics.AuthenticatedConnections.Set(float64(s.registry.Count()))
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
