package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"taskboard/internal/progress"
	"taskboard/internal/protocol"
	"taskboard/internal/search"
	"taskboard/internal/session"
	"taskboard/internal/store"
	"taskboard/internal/util"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
	maxRecipients        = 50
)

// Mutation is the committed result of a task operation. Sync is nil when the
// operation changed nothing and therefore must not be fanned out.
type Mutation struct {
	Task        *protocol.Task
	TaskID      string
	SharedCount int
	Progress    int
	Sync        *protocol.SyncUpdate
}

func (s *Service) CreateTask(ctx context.Context, identity session.Identity, title, description, correlationID string) (Mutation, error) {
	if err := requireIdentity(identity); err != nil {
		return Mutation{}, err
	}
	title = s.cleanText(title)
	description = s.cleanText(description)
	if title == "" {
		return Mutation{}, validationError("title is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return Mutation{}, validationError(fmt.Sprintf("title must be at most %d characters", MaxTitleLength))
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return Mutation{}, validationError(fmt.Sprintf("description must be at most %d characters", MaxDescriptionLength))
	}

	task, err := s.store.CreateTask(ctx, store.Task{
		ID:          util.NewID("tsk"),
		Title:       title,
		Description: description,
		CreatedBy:   identity.UserID,
	})
	if err != nil {
		return Mutation{}, err
	}
	s.search.IndexTask(search.RecordFromTask(task))

	view := taskView(task)
	return Mutation{
		Task:     &view,
		TaskID:   task.ID,
		Progress: view.Progress,
		Sync:     syncUpdate(protocol.SyncCreated, &view, identity.Login, correlationID),
	}, nil
}

func (s *Service) ShareTask(ctx context.Context, identity session.Identity, taskID string, recipients []string, correlationID string) (Mutation, error) {
	if err := requireIdentity(identity); err != nil {
		return Mutation{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Mutation{}, validationError("taskId is required")
	}
	if len(recipients) == 0 {
		return Mutation{}, validationError("recipientLogins is required")
	}
	if len(recipients) > maxRecipients {
		return Mutation{}, validationError(fmt.Sprintf("at most %d recipients per share", maxRecipients))
	}

	result, err := s.store.ShareTask(ctx, taskID, identity.UserID, recipients)
	if err != nil {
		return Mutation{}, err
	}

	view := taskView(result.Task)
	out := Mutation{
		Task:        &view,
		TaskID:      view.ID,
		SharedCount: len(result.Added),
		Progress:    view.Progress,
	}
	if len(result.Added) > 0 {
		s.search.IndexTask(search.RecordFromTask(result.Task))
		out.Sync = syncUpdate(protocol.SyncUpdated, &view, identity.Login, correlationID)
		s.logger.Debug("task shared",
			zap.String("task_id", view.ID),
			zap.Strings("added", result.Added),
		)
	}
	return out, nil
}

// CompleteTask marks the caller's participation complete, enrolling callers
// that were not yet participants. Repeat calls and calls on done tasks are
// no-ops that return the current state.
func (s *Service) CompleteTask(ctx context.Context, identity session.Identity, taskID, correlationID string) (Mutation, error) {
	if err := requireIdentity(identity); err != nil {
		return Mutation{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Mutation{}, validationError("taskId is required")
	}

	result, err := s.store.CompleteTask(ctx, taskID, identity.UserID)
	if err != nil {
		return Mutation{}, err
	}

	view := taskView(result.Task)
	out := Mutation{
		Task:     &view,
		TaskID:   view.ID,
		Progress: result.Progress.Progress,
	}
	if result.Changed {
		kind := protocol.SyncProgress
		if result.Transitioned {
			kind = protocol.SyncUpdated
			s.logger.Info("task done",
				zap.String("task_id", view.ID),
				zap.Int("participants", result.Progress.Total),
			)
		}
		out.Sync = syncUpdate(kind, &view, identity.Login, correlationID)
		if result.Enrolled || result.Transitioned {
			s.search.IndexTask(search.RecordFromTask(result.Task))
		}
	}
	return out, nil
}

func (s *Service) DeleteTask(ctx context.Context, identity session.Identity, taskID, correlationID string) (Mutation, error) {
	if err := requireIdentity(identity); err != nil {
		return Mutation{}, err
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Mutation{}, validationError("taskId is required")
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Mutation{}, err
	}
	if err := s.store.DeleteTask(ctx, taskID, identity.UserID); err != nil {
		return Mutation{}, err
	}
	s.search.DeleteTask(taskID)

	sync := &protocol.SyncUpdate{
		Type:          protocol.SyncDeleted,
		TaskID:        taskID,
		ActorLogin:    identity.Login,
		CorrelationID: correlationID,
		Version:       task.Version + 1,
	}
	return Mutation{TaskID: taskID, Sync: sync}, nil
}

// GetProfile is public: any caller may look up any login.
func (s *Service) GetProfile(ctx context.Context, login string) (protocol.Profile, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return protocol.Profile{}, validationError("login is required")
	}
	user, err := s.store.GetUserByLogin(ctx, login)
	if err != nil {
		return protocol.Profile{}, err
	}
	tasks, err := s.store.ListTasksForUser(ctx, user.ID)
	if err != nil {
		return protocol.Profile{}, err
	}

	profile := protocol.Profile{
		Login:          user.Login,
		CompletedCount: user.CompletedCount,
		TotalTasks:     len(tasks),
		Tasks:          make([]protocol.Task, 0, len(tasks)),
	}
	for _, task := range tasks {
		if task.Progress().Status == progress.StatusDone {
			profile.CompletedTasks++
		}
		if task.Shared() {
			profile.SharedTasks++
		}
		profile.Tasks = append(profile.Tasks, taskView(task))
	}
	return profile, nil
}

func (s *Service) ListTasks(ctx context.Context, identity session.Identity) ([]protocol.Task, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksForUser(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskView(task))
	}
	return out, nil
}

func (s *Service) SearchTasks(ctx context.Context, identity session.Identity, query string, limit int) ([]protocol.SearchResult, error) {
	if err := requireIdentity(identity); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, validationError("query is required")
	}
	resp := s.search.Search(ctx, search.Query{Text: query, UserID: identity.UserID, Limit: limit})
	out := make([]protocol.SearchResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, protocol.SearchResult{TaskID: r.TaskID, Title: r.Title, Snippet: r.Snippet, Status: r.Status})
	}
	return out, nil
}
