package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskboard/internal/protocol"
)

type BoardOptions struct {
	Manager Options
	Cache   *SnapshotCache

	Notify   func(Notification)
	OnChange func([]protocol.Task)
	OnState  func(State)
}

// Board wires a Manager to an Engine: requests go out through the manager,
// their acks and every pushed event land in the engine.
type Board struct {
	manager *Manager
	engine  *Engine
	cache   *SnapshotCache
	logger  *zap.Logger
	timeout time.Duration
}

func NewBoard(opts BoardOptions) *Board {
	logger := opts.Manager.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Board{cache: opts.Cache, logger: logger}

	engineOpts := EngineOptions{Notify: opts.Notify, OnChange: opts.OnChange, Logger: logger}
	if opts.Cache != nil {
		engineOpts.Snapshots = opts.Cache
	}
	b.engine = NewEngine(engineOpts)

	managerOpts := opts.Manager
	if opts.Cache != nil && managerOpts.Identities == nil {
		managerOpts.Identities = opts.Cache
	}
	managerOpts.OnEvent = b.handleEvent
	managerOpts.OnState = opts.OnState
	b.manager = NewManager(managerOpts)
	b.timeout = b.manager.opts.RequestTimeout
	return b
}

func (b *Board) Manager() *Manager { return b.manager }
func (b *Board) Engine() *Engine   { return b.engine }

func (b *Board) Run(ctx context.Context) error {
	return b.manager.Run(ctx)
}

func (b *Board) Tasks() []protocol.Task {
	return b.engine.Tasks()
}

// handleEvent runs on the manager's reader goroutine and must not wait on
// requests itself.
func (b *Board) handleEvent(env protocol.Envelope) {
	b.engine.HandleEvent(env)
	if env.Event != protocol.EventAuthenticated {
		return
	}
	var payload protocol.Authenticated
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	b.prepopulate(payload.User.ID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("refresh after authentication", zap.String("code", Code(err)))
		}
	}()
}

func (b *Board) prepopulate(userID string) {
	if b.cache == nil || userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tasks, ok, err := b.cache.LoadSnapshot(ctx, userID)
	if err != nil {
		b.logger.Warn("load snapshot", zap.Error(err))
		return
	}
	if ok {
		b.engine.Prepopulate(tasks)
	}
}

func (b *Board) Register(ctx context.Context, login, password string) (protocol.User, error) {
	return b.authenticate(ctx, protocol.EventRegister, login, password)
}

func (b *Board) Login(ctx context.Context, login, password string) (protocol.User, error) {
	return b.authenticate(ctx, protocol.EventLogin, login, password)
}

func (b *Board) authenticate(ctx context.Context, event, login, password string) (protocol.User, error) {
	reply, err := b.manager.Request(ctx, event, protocol.Credentials{Login: login, Credential: password})
	if err != nil {
		return protocol.User{}, err
	}
	if reply.Ack.User == nil {
		return protocol.User{}, requestError(protocol.CodeServerError, "ack without user")
	}
	b.engine.SetUser(*reply.Ack.User)
	return *reply.Ack.User, nil
}

func (b *Board) Logout(ctx context.Context) error {
	if _, err := b.manager.Request(ctx, protocol.EventLogout, nil); err != nil {
		return err
	}
	b.engine.Reset()
	return nil
}

// Refresh replaces the view with the server's authoritative task list.
func (b *Board) Refresh(ctx context.Context) error {
	id := uuid.NewString()
	b.engine.Expect(id, protocol.EventListTasks, "")
	reply, err := b.manager.RequestWithID(ctx, id, protocol.EventListTasks, nil)
	b.engine.ApplyReply(id, protocol.EventListTasks, reply, err)
	return err
}

// CreateTask shows the task under a temporary id right away and returns that
// id; the confirmed task replaces it when the ack or fan-out arrives.
func (b *Board) CreateTask(ctx context.Context, title, description string) (string, error) {
	id := uuid.NewString()
	tempID := b.engine.OptimisticCreate(id, title, description)
	reply, err := b.manager.RequestWithID(ctx, id, protocol.EventCreateTask, protocol.CreateTaskRequest{
		Title:       title,
		Description: description,
	})
	b.engine.ApplyReply(id, protocol.EventCreateTask, reply, err)
	if err != nil {
		return tempID, err
	}
	if reply.Ack.Task != nil {
		return reply.Ack.Task.ID, nil
	}
	return tempID, nil
}

func (b *Board) CompleteTask(ctx context.Context, taskID string) error {
	id := uuid.NewString()
	if err := b.engine.OptimisticComplete(id, taskID); err != nil {
		b.engine.Expect(id, protocol.EventCompleteTask, taskID)
	}
	reply, err := b.manager.RequestWithID(ctx, id, protocol.EventCompleteTask, protocol.TaskRef{TaskID: taskID})
	b.engine.ApplyReply(id, protocol.EventCompleteTask, reply, err)
	return err
}

func (b *Board) DeleteTask(ctx context.Context, taskID string) error {
	id := uuid.NewString()
	if err := b.engine.OptimisticDelete(id, taskID); err != nil {
		b.engine.Expect(id, protocol.EventDeleteTask, taskID)
	}
	reply, err := b.manager.RequestWithID(ctx, id, protocol.EventDeleteTask, protocol.TaskRef{TaskID: taskID})
	b.engine.ApplyReply(id, protocol.EventDeleteTask, reply, err)
	return err
}

func (b *Board) ShareTask(ctx context.Context, taskID string, logins []string) (int, error) {
	id := uuid.NewString()
	b.engine.Expect(id, protocol.EventShareTask, taskID)
	reply, err := b.manager.RequestWithID(ctx, id, protocol.EventShareTask, protocol.ShareTaskRequest{
		TaskID:          taskID,
		RecipientLogins: logins,
	})
	b.engine.ApplyReply(id, protocol.EventShareTask, reply, err)
	if err != nil || reply.Ack.SharedCount == nil {
		return 0, err
	}
	return *reply.Ack.SharedCount, nil
}

func (b *Board) Profile(ctx context.Context, login string) (protocol.Profile, error) {
	reply, err := b.manager.Request(ctx, protocol.EventGetProfile, protocol.ProfileRequest{Login: login})
	if err != nil {
		return protocol.Profile{}, err
	}
	if reply.Ack.Profile == nil {
		return protocol.Profile{}, nil
	}
	return *reply.Ack.Profile, nil
}

func (b *Board) Search(ctx context.Context, query string, limit int) ([]protocol.SearchResult, error) {
	reply, err := b.manager.Request(ctx, protocol.EventSearchTasks, protocol.SearchRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	return reply.Ack.Results, nil
}
