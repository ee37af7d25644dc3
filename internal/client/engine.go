package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskboard/internal/progress"
	"taskboard/internal/protocol"
)

type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseOptimistic
	PhaseConfirmed
)

func (p Phase) String() string {
	switch p {
	case PhaseOptimistic:
		return "optimistic"
	case PhaseConfirmed:
		return "confirmed"
	}
	return "unknown"
}

const (
	LevelInfo  = "info"
	LevelError = "error"
)

type Notification struct {
	Level         string
	Code          string
	Message       string
	TaskID        string
	CorrelationID string
}

type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, userID string, tasks []protocol.Task) error
}

type EngineOptions struct {
	Notify    func(Notification)
	OnChange  func([]protocol.Task)
	Snapshots SnapshotWriter
	Logger    *zap.Logger
}

var ErrUnknownTask = errors.New("task is not in the local view")

// appliedWindow bounds how many fan-out correlation ids are remembered for
// deduplication.
const appliedWindow = 1024

type entry struct {
	task  protocol.Task
	phase Phase
	// cached entries came from the snapshot cache and lose to any server data.
	cached bool
	seq    uint64
}

type pendingOp struct {
	event  string
	taskID string
	prev   *protocol.Task
	// mark is the engine sequence when the request was sent.
	mark uint64
}

// Engine is the client's view of the board. It applies optimistic edits
// immediately and reconciles them with acks and fan-outs in any order.
type Engine struct {
	opts   EngineOptions
	logger *zap.Logger

	mu         sync.Mutex
	user       protocol.User
	tasks      map[string]*entry
	tombstones map[string]struct{}
	applied    map[string]struct{}
	order      []string
	pending    map[string]pendingOp
	seq        uint64
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{opts: opts, logger: logger}
	e.resetLocked()
	return e
}

func (e *Engine) resetLocked() {
	e.tasks = make(map[string]*entry)
	e.tombstones = make(map[string]struct{})
	e.applied = make(map[string]struct{})
	e.order = e.order[:0]
	e.pending = make(map[string]pendingOp)
}

// SetUser switches the view to user. Switching to another user drops the
// current view.
func (e *Engine) SetUser(user protocol.User) {
	e.mu.Lock()
	if e.user.ID != "" && e.user.ID != user.ID {
		e.resetLocked()
	}
	e.user = user
	e.mu.Unlock()
}

// Reset clears the view, used on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.user = protocol.User{}
	e.resetLocked()
	e.mu.Unlock()
	e.changed(false)
}

func (e *Engine) User() protocol.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user
}

// Prepopulate seeds the view from the snapshot cache. Anything the server
// sends replaces these entries.
func (e *Engine) Prepopulate(tasks []protocol.Task) {
	e.mu.Lock()
	for _, task := range tasks {
		if _, ok := e.tasks[task.ID]; ok {
			continue
		}
		e.tasks[task.ID] = &entry{task: task, phase: PhaseConfirmed, cached: true}
	}
	e.mu.Unlock()
	e.changed(false)
}

func (e *Engine) Tasks() []protocol.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listLocked()
}

func (e *Engine) Task(id string) (protocol.Task, Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.tasks[id]
	if !ok {
		return protocol.Task{}, PhaseUnknown, false
	}
	return en.task, en.phase, true
}

func (e *Engine) listLocked() []protocol.Task {
	out := make([]protocol.Task, 0, len(e.tasks))
	for _, en := range e.tasks {
		out = append(out, en.task)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TempID is the placeholder id of an optimistic create.
func TempID(correlationID string) string {
	return "tmp:" + correlationID
}

func (e *Engine) OptimisticCreate(correlationID, title, description string) string {
	id := TempID(correlationID)
	now := time.Now().UTC()
	e.mu.Lock()
	e.tasks[id] = &entry{
		task: protocol.Task{
			ID:                id,
			Title:             title,
			Description:       description,
			Status:            progress.StatusTodo,
			TotalParticipants: 1,
			CreatedBy:         e.user.ID,
			CreatedByLogin:    e.user.Login,
			Participants:      []protocol.Participant{{UserID: e.user.ID, Login: e.user.Login}},
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		phase: PhaseOptimistic,
	}
	e.pending[correlationID] = pendingOp{event: protocol.EventCreateTask, taskID: id}
	e.mu.Unlock()
	e.changed(false)
	return id
}

// Expect registers a request that has no optimistic edit so its fan-out echo
// is recognised as the user's own.
func (e *Engine) Expect(correlationID, event, taskID string) {
	e.mu.Lock()
	e.pending[correlationID] = pendingOp{event: event, taskID: taskID, mark: e.seq}
	e.mu.Unlock()
}

func (e *Engine) OptimisticComplete(correlationID, taskID string) error {
	e.mu.Lock()
	en, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTask
	}
	prev := cloneTask(en.task)
	e.seq++
	e.tasks[taskID] = &entry{task: e.withOwnCompletion(en.task), phase: PhaseOptimistic, seq: e.seq}
	e.pending[correlationID] = pendingOp{event: protocol.EventCompleteTask, taskID: taskID, prev: &prev, mark: e.seq}
	e.mu.Unlock()
	e.changed(false)
	return nil
}

// withOwnCompletion returns a copy of task with the local user's participation
// completed, enrolling the user when absent.
func (e *Engine) withOwnCompletion(task protocol.Task) protocol.Task {
	out := cloneTask(task)
	now := time.Now().UTC()
	found := false
	for i := range out.Participants {
		if out.Participants[i].UserID == e.user.ID {
			if !out.Participants[i].Completed {
				out.Participants[i].Completed = true
				out.Participants[i].CompletedAt = &now
			}
			found = true
		}
	}
	if !found {
		out.Participants = append(out.Participants, protocol.Participant{
			UserID: e.user.ID, Login: e.user.Login, Completed: true, CompletedAt: &now,
		})
	}
	recompute(&out)
	return out
}

// pendingFor finds a pending op of event on taskID other than the one sent
// under except.
func (e *Engine) pendingFor(taskID, event, except string) (string, pendingOp, bool) {
	for id, op := range e.pending {
		if id != except && op.event == event && op.taskID == taskID {
			return id, op, true
		}
	}
	return "", pendingOp{}, false
}

func (e *Engine) rememberLocked(correlationID string) {
	if _, ok := e.applied[correlationID]; ok {
		return
	}
	e.applied[correlationID] = struct{}{}
	e.order = append(e.order, correlationID)
	if len(e.order) > appliedWindow {
		delete(e.applied, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *Engine) OptimisticDelete(correlationID, taskID string) error {
	e.mu.Lock()
	en, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTask
	}
	prev := cloneTask(en.task)
	delete(e.tasks, taskID)
	e.pending[correlationID] = pendingOp{event: protocol.EventDeleteTask, taskID: taskID, prev: &prev}
	e.mu.Unlock()
	e.changed(false)
	return nil
}

// ApplyReply folds the outcome of a request into the view. err is the error
// Manager.RequestWithID returned; a failure rolls back the optimistic edit
// made under correlationID and emits exactly one error notification.
func (e *Engine) ApplyReply(correlationID, event string, reply Reply, err error) {
	if err != nil {
		e.rollback(correlationID, event, err)
		return
	}

	payload, decodeErr := decodeObject(reply.Payload)
	if decodeErr != nil {
		e.logger.Warn("undecodable ack", zap.String("event", event), zap.Error(decodeErr))
		e.mu.Lock()
		delete(e.pending, correlationID)
		e.mu.Unlock()
		return
	}

	switch event {
	case protocol.EventListTasks:
		e.replaceAll(correlationID, payload["tasks"])
		return
	case protocol.EventGetProfile:
		profile, _ := payload["profile"].(map[string]any)
		if profile != nil && stringField(profile, "login") == e.User().Login {
			e.replaceAll(correlationID, profile["tasks"])
		}
		return
	}

	if sync, ok := payload["sync"].(map[string]any); ok {
		e.applySync(sync, true)
	} else if task, ok := payload["task"].(map[string]any); ok {
		e.mergeTask(task, correlationID, event)
	}
	e.mu.Lock()
	delete(e.pending, correlationID)
	e.mu.Unlock()
}

// HandleEvent consumes server pushes delivered by Manager.
func (e *Engine) HandleEvent(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventSyncUpdate:
		sync, err := decodeObject(env.Payload)
		if err != nil {
			e.logger.Warn("undecodable syncUpdate", zap.Error(err))
			return
		}
		e.applySync(sync, false)
	case protocol.EventAuthenticated:
		var payload protocol.Authenticated
		if err := json.Unmarshal(env.Payload, &payload); err == nil && payload.User.ID != "" {
			e.SetUser(payload.User)
		}
	}
}

func (e *Engine) rollback(correlationID, event string, err error) {
	e.mu.Lock()
	op, ok := e.pending[correlationID]
	delete(e.pending, correlationID)
	if ok {
		switch op.event {
		case protocol.EventCreateTask:
			delete(e.tasks, op.taskID)
		case protocol.EventCompleteTask:
			if en, exists := e.tasks[op.taskID]; exists && en.phase == PhaseOptimistic && op.prev != nil {
				e.tasks[op.taskID] = &entry{task: *op.prev, phase: PhaseConfirmed}
			}
		case protocol.EventDeleteTask:
			if _, dead := e.tombstones[op.taskID]; !dead && op.prev != nil {
				e.tasks[op.taskID] = &entry{task: *op.prev, phase: PhaseConfirmed}
			}
		}
	}
	e.mu.Unlock()

	var reqErr *RequestError
	n := Notification{Level: LevelError, Code: protocol.CodeServerError, Message: err.Error(), CorrelationID: correlationID}
	if errors.As(err, &reqErr) {
		n.Code = reqErr.Code
		n.Message = reqErr.Message
	}
	if ok {
		n.TaskID = op.taskID
	}
	e.notify(n)
	e.changed(false)
	e.logger.Debug("request failed", zap.String("event", event), zap.String("code", n.Code))
}

// applySync merges one syncUpdate, from a fan-out or an ack. Updates whose
// correlation id was already applied are dropped.
func (e *Engine) applySync(sync map[string]any, fromAck bool) {
	kind := stringField(sync, "type")
	taskID := stringField(sync, "taskId", "task_id")
	correlationID := stringField(sync, "correlationId", "correlation_id")
	actor := stringField(sync, "actorLogin", "actor_login")
	version := optInt(sync, "version")
	taskRaw, _ := sync["task"].(map[string]any)
	if taskID == "" && taskRaw != nil {
		taskID = stringField(taskRaw, "id", "task_id")
	}
	if taskID == "" {
		return
	}

	e.mu.Lock()
	if correlationID != "" {
		if _, dup := e.applied[correlationID]; dup {
			e.mu.Unlock()
			return
		}
	}
	op, own := e.pending[correlationID]
	own = own || fromAck
	if own && op.event == protocol.EventCreateTask {
		delete(e.tasks, op.taskID)
	}

	var title string
	applied := false
	if kind == protocol.SyncDeleted {
		if en, ok := e.tasks[taskID]; ok {
			title = en.task.Title
		} else if own && op.prev != nil {
			title = op.prev.Title
		}
		delete(e.tasks, taskID)
		e.tombstones[taskID] = struct{}{}
		applied = true
	} else if _, dead := e.tombstones[taskID]; !dead {
		if delID, delOp, deleting := e.pendingFor(taskID, protocol.EventDeleteTask, correlationID); deleting {
			// The task stays hidden; a failed delete restores the newer state.
			e.refreshPrevLocked(delID, delOp, taskID, taskRaw, sync, version)
		} else {
			applied = e.mergeLocked(taskID, taskRaw, sync, version, correlationID)
			if own && op.event == protocol.EventCompleteTask && e.settleCompleteLocked(taskID, correlationID) {
				applied = true
			}
			if en, ok := e.tasks[taskID]; ok {
				title = en.task.Title
			}
		}
	}
	if correlationID != "" {
		e.rememberLocked(correlationID)
	}
	userID := e.user.ID
	e.mu.Unlock()

	if !applied {
		return
	}
	if !own && title != "" {
		e.notify(Notification{
			Level:         LevelInfo,
			Message:       fmt.Sprintf("%s %s %q", actor, verb(kind), title),
			TaskID:        taskID,
			CorrelationID: correlationID,
		})
	}
	e.changed(userID != "")
}

func (e *Engine) mergeTask(raw map[string]any, correlationID, event string) {
	id := stringField(raw, "id", "task_id")
	e.mu.Lock()
	applied := false
	if _, dead := e.tombstones[id]; !dead && id != "" {
		applied = e.mergeLocked(id, raw, nil, optInt(raw, "version"), correlationID)
		if event == protocol.EventCompleteTask && e.settleCompleteLocked(id, correlationID) {
			applied = true
		}
	}
	e.mu.Unlock()
	if applied {
		e.changed(true)
	}
}

// patchFor builds the server patch carried by a task payload and its sync.
func (e *Engine) patchFor(taskID string, taskRaw, sync map[string]any, version *int) (taskPatch, bool) {
	patch := taskPatch{ID: taskID}
	if taskRaw != nil {
		p, err := normalizeTask(taskRaw)
		if err != nil {
			e.logger.Warn("skip malformed task", zap.String("task_id", taskID), zap.Error(err))
			return taskPatch{}, false
		}
		patch = p
	}
	if patch.Progress == nil && sync != nil {
		patch.Progress = optInt(sync, "progress")
	}
	if version != nil && patch.Version == nil {
		v := int64(*version)
		patch.Version = &v
	}
	return patch, true
}

// mergeLocked applies server data for taskID. Server fields win, fields the
// payload omits keep their previous value. Stale versions are dropped and
// tasks the user no longer participates in leave the view. A completion
// still pending under another correlation id is re-applied on top and keeps
// the entry optimistic.
func (e *Engine) mergeLocked(taskID string, taskRaw, sync map[string]any, version *int, correlationID string) bool {
	existing, exists := e.tasks[taskID]
	if exists && !existing.cached && version != nil {
		v := int64(*version)
		if v < existing.task.Version || (v == existing.task.Version && existing.phase == PhaseConfirmed) {
			return false
		}
	}

	patch, ok := e.patchFor(taskID, taskRaw, sync, version)
	if !ok {
		return false
	}

	completeID, completeOp, completing := e.pendingFor(taskID, protocol.EventCompleteTask, correlationID)
	base := protocol.Task{}
	switch {
	case completing && completeOp.prev != nil:
		// merge onto the last server state, not the optimistic one
		base = *completeOp.prev
	case exists:
		base = existing.task
	}
	merged := patch.apply(base)
	if !exists && !patch.HasParticipants {
		// Only a full task can enter the view.
		return false
	}
	if !e.participates(merged) {
		delete(e.tasks, taskID)
		return exists
	}
	e.seq++
	if completing {
		prev := cloneTask(merged)
		completeOp.prev = &prev
		e.pending[completeID] = completeOp
		e.tasks[taskID] = &entry{task: e.withOwnCompletion(merged), phase: PhaseOptimistic, seq: e.seq}
		return true
	}
	e.tasks[taskID] = &entry{task: merged, phase: PhaseConfirmed, seq: e.seq}
	return true
}

func (e *Engine) refreshPrevLocked(id string, op pendingOp, taskID string, taskRaw, sync map[string]any, version *int) {
	if op.prev == nil {
		return
	}
	if version != nil && int64(*version) < op.prev.Version {
		return
	}
	patch, ok := e.patchFor(taskID, taskRaw, sync, version)
	if !ok {
		return
	}
	restored := patch.apply(*op.prev)
	op.prev = &restored
	e.pending[id] = op
}

// settleCompleteLocked confirms an optimistic completion once its own sync
// arrived, even when a newer remote update already carried it.
func (e *Engine) settleCompleteLocked(taskID, correlationID string) bool {
	en, ok := e.tasks[taskID]
	if !ok || en.phase != PhaseOptimistic {
		return false
	}
	if _, _, other := e.pendingFor(taskID, protocol.EventCompleteTask, correlationID); other {
		return false
	}
	en.phase = PhaseConfirmed
	return true
}

func (e *Engine) participates(task protocol.Task) bool {
	for _, p := range task.Participants {
		if p.UserID == e.user.ID {
			return true
		}
	}
	return false
}

// replaceAll installs an authoritative task list. Pending optimistic creates
// and deletes survive it, as does anything confirmed after the list request
// was sent.
func (e *Engine) replaceAll(correlationID string, raw any) {
	items, _ := raw.([]any)
	e.mu.Lock()
	mark := e.seq
	if op, ok := e.pending[correlationID]; ok {
		mark = op.mark
		delete(e.pending, correlationID)
	}
	next := make(map[string]*entry, len(items))
	for id, en := range e.tasks {
		if !en.cached && en.seq > mark {
			next[id] = en
		}
	}
	deleting := make(map[string]struct{})
	completing := make(map[string]string)
	for id, op := range e.pending {
		switch op.event {
		case protocol.EventCreateTask:
			if en, ok := e.tasks[op.taskID]; ok {
				next[op.taskID] = en
			}
		case protocol.EventDeleteTask:
			deleting[op.taskID] = struct{}{}
		case protocol.EventCompleteTask:
			completing[op.taskID] = id
		}
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		patch, err := normalizeTask(obj)
		if err != nil {
			e.logger.Warn("skip malformed task", zap.Error(err))
			continue
		}
		if _, dead := e.tombstones[patch.ID]; dead {
			continue
		}
		if _, gone := deleting[patch.ID]; gone {
			continue
		}
		if _, newer := next[patch.ID]; newer {
			continue
		}
		task := patch.apply(protocol.Task{})
		if !e.participates(task) {
			continue
		}
		if id, ok := completing[task.ID]; ok {
			op := e.pending[id]
			prev := cloneTask(task)
			op.prev = &prev
			e.pending[id] = op
			next[task.ID] = &entry{task: e.withOwnCompletion(task), phase: PhaseOptimistic}
			continue
		}
		next[task.ID] = &entry{task: task, phase: PhaseConfirmed}
	}
	e.tasks = next
	e.mu.Unlock()
	e.changed(true)
}

func (e *Engine) notify(n Notification) {
	if e.opts.Notify != nil {
		e.opts.Notify(n)
	}
}

// changed publishes the view and, for confirmed changes, writes the snapshot.
func (e *Engine) changed(confirmed bool) {
	e.mu.Lock()
	tasks := e.listLocked()
	userID := e.user.ID
	e.mu.Unlock()

	if confirmed && userID != "" && e.opts.Snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.opts.Snapshots.SaveSnapshot(ctx, userID, confirmedOnly(tasks)); err != nil {
			e.logger.Warn("save snapshot", zap.Error(err))
		}
		cancel()
	}
	if e.opts.OnChange != nil {
		e.opts.OnChange(tasks)
	}
}

func confirmedOnly(tasks []protocol.Task) []protocol.Task {
	out := make([]protocol.Task, 0, len(tasks))
	for _, t := range tasks {
		if len(t.ID) > 4 && t.ID[:4] == "tmp:" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func recompute(task *protocol.Task) {
	marks := make([]progress.Mark, 0, len(task.Participants))
	for _, p := range task.Participants {
		marks = append(marks, progress.Mark{Completed: p.Completed})
	}
	result := progress.Compute(marks)
	task.Progress = result.Progress
	task.Status = result.Status
	task.CompletedParticipants = result.Completed
	task.TotalParticipants = result.Total
}

func cloneTask(task protocol.Task) protocol.Task {
	out := task
	out.Participants = append([]protocol.Participant(nil), task.Participants...)
	return out
}

func verb(kind string) string {
	switch kind {
	case protocol.SyncCreated:
		return "created"
	case protocol.SyncDeleted:
		return "deleted"
	case protocol.SyncProgress:
		return "made progress on"
	}
	return "updated"
}
