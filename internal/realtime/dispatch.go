package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskboard/internal/app"
	"taskboard/internal/metrics"
	"taskboard/internal/protocol"
	"taskboard/internal/session"
)

// result is what a handled request produces: the ack for the sender, an
// optional fan-out and an optional push to the sender after the ack.
type result struct {
	ack  protocol.Ack
	sync *protocol.SyncUpdate
	push *protocol.Envelope
}

func invalid(message string) error {
	return &app.DomainError{Code: protocol.CodeValidation, Message: message}
}

func (s *Server) dispatch(parent context.Context, c *Conn, data []byte) {
	started := s.now()

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendEnvelope(mustAck("", "", protocol.Failure(protocol.CodeValidation, "Malformed message")))
		metrics.ObserveOperation("malformed", protocol.CodeValidation, started)
		return
	}
	if env.Type != protocol.TypeRequest {
		c.sendEnvelope(mustAck(env.ID, env.Event, protocol.Failure(protocol.CodeValidation, "Only requests are accepted")))
		metrics.ObserveOperation("malformed", protocol.CodeValidation, started)
		return
	}

	correlationID := env.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	identity, _ := s.registry.Resolve(c.id)

	ctx, cancel := context.WithTimeout(parent, requestTimeout)
	defer cancel()

	res, err := s.route(ctx, c, env, identity, correlationID)
	outcome := "ok"
	if err != nil {
		code, message, known := app.MapError(err)
		if !known {
			c.logger.Error("request failed",
				zap.String("event", env.Event),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
		res = result{ack: protocol.Failure(code, message)}
		outcome = code
	} else {
		res.ack.Success = true
	}
	metrics.ObserveOperation(env.Event, outcome, started)

	if !c.sendEnvelope(mustAck(env.ID, env.Event, res.ack)) {
		metrics.DroppedConnections.Inc()
		c.close()
	}
	if res.push != nil {
		c.sendEnvelope(*res.push)
	}
	if res.sync != nil {
		metrics.FanOuts.WithLabelValues(res.sync.Type).Inc()
		s.hub.Broadcast(protocol.EventSyncUpdate, res.sync)
	}
}

func (s *Server) route(ctx context.Context, c *Conn, env protocol.Envelope, identity session.Identity, correlationID string) (result, error) {
	switch env.Event {
	case protocol.EventRegister, protocol.EventLogin:
		var req protocol.Credentials
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		var auth app.AuthResult
		var err error
		if env.Event == protocol.EventRegister {
			auth, err = s.backend.Register(ctx, req.Login, req.Credential)
		} else {
			auth, err = s.backend.Login(ctx, req.Login, req.Credential)
		}
		if err != nil {
			return result{}, err
		}
		return s.authenticate(c, auth), nil

	case protocol.EventRestoreSession:
		var req protocol.RestoreRequest
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		auth, err := s.backend.RestoreSession(ctx, req.Login, req.Token)
		if err != nil {
			return result{}, err
		}
		return s.authenticate(c, auth), nil

	case protocol.EventLogout:
		if err := s.backend.Logout(ctx, c.TokenID()); err != nil {
			return result{}, err
		}
		c.setTokenID("")
		s.registry.Unbind(c.id)
		metrics.AuthenticatedConnections.Set(float64(s.registry.Count()))
		return result{}, nil

	case protocol.EventCreateTask:
		var req protocol.CreateTaskRequest
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		m, err := s.backend.CreateTask(ctx, identity, req.Title, req.Description, correlationID)
		if err != nil {
			return result{}, err
		}
		return result{ack: protocol.Ack{Task: m.Task, Sync: m.Sync}, sync: m.Sync}, nil

	case protocol.EventShareTask:
		var req protocol.ShareTaskRequest
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		m, err := s.backend.ShareTask(ctx, identity, req.TaskID, req.RecipientLogins, correlationID)
		if err != nil {
			return result{}, err
		}
		shared := m.SharedCount
		return result{ack: protocol.Ack{SharedCount: &shared, Task: m.Task, Sync: m.Sync}, sync: m.Sync}, nil

	case protocol.EventCompleteTask:
		var req protocol.TaskRef
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		m, err := s.backend.CompleteTask(ctx, identity, req.TaskID, correlationID)
		if err != nil {
			return result{}, err
		}
		progress := m.Progress
		return result{ack: protocol.Ack{Progress: &progress, Task: m.Task, Sync: m.Sync}, sync: m.Sync}, nil

	case protocol.EventDeleteTask:
		var req protocol.TaskRef
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		m, err := s.backend.DeleteTask(ctx, identity, req.TaskID, correlationID)
		if err != nil {
			return result{}, err
		}
		return result{ack: protocol.Ack{TaskID: m.TaskID, Sync: m.Sync}, sync: m.Sync}, nil

	case protocol.EventGetProfile:
		var req protocol.ProfileRequest
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		if req.Login == "" {
			req.Login = identity.Login
		}
		profile, err := s.backend.GetProfile(ctx, req.Login)
		if err != nil {
			return result{}, err
		}
		return result{ack: protocol.Ack{Profile: &profile}}, nil

	case protocol.EventListTasks:
		tasks, err := s.backend.ListTasks(ctx, identity)
		if err != nil {
			return result{}, err
		}
		return result{ack: protocol.Ack{Tasks: tasks}}, nil

	case protocol.EventSearchTasks:
		var req protocol.SearchRequest
		if err := env.Decode(&req); err != nil {
			return result{}, invalid("Invalid payload")
		}
		results, err := s.backend.SearchTasks(ctx, identity, req.Query, req.Limit)
		if err != nil {
			return result{}, err
		}
		return result{ack: protocol.Ack{Results: results}}, nil

	case protocol.EventPing:
		now := s.now().UTC()
		return result{ack: protocol.Ack{ServerTime: &now}}, nil
	}
	return result{}, invalid("Unknown event " + env.Event)
}

// authenticate binds the connection and queues the authenticated push.
func (s *Server) authenticate(c *Conn, auth app.AuthResult) result {
	s.registry.Bind(c.id, auth.Identity)
	c.setTokenID(auth.TokenID)
	metrics.AuthenticatedConnections.Set(float64(s.registry.Count()))
	c.logger.Info("connection authenticated", zap.String("login", auth.Identity.Login))

	user := auth.User
	res := result{ack: protocol.Ack{User: &user, Token: auth.Token}}
	if push, err := protocol.NewEvent(protocol.EventAuthenticated, protocol.Authenticated{User: user}); err == nil {
		res.push = &push
	}
	return res
}

func mustAck(id, event string, ack protocol.Ack) protocol.Envelope {
	env, err := protocol.NewAck(id, event, ack)
	if err != nil {
		return protocol.Envelope{Type: protocol.TypeAck, ID: id, Event: event}
	}
	return env
}
