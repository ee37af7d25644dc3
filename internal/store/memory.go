package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"taskboard/internal/access"
	"taskboard/internal/progress"
)

// MemoryStore keeps everything in process. Mutations on one task are
// serialized by a per-task lock; different tasks proceed independently.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User
	byLogin map[string]string
	tasks   map[string]Task

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		byLogin: make(map[string]string),
		tasks:   make(map[string]Task),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

func (s *MemoryStore) taskLock(taskID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[taskID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[taskID] = lock
	return lock
}

// forgetLock drops the lock of a task that no longer exists. Waiters still
// holding the old mutex find the task gone and fail with ErrNotFound.
func (s *MemoryStore) forgetLock(taskID string) {
	s.lockMu.Lock()
	delete(s.locks, taskID)
	s.lockMu.Unlock()
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byLogin[user.Login]; exists {
		return User{}, ErrDuplicateLogin
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.CompletedCount = 0
	s.users[user.ID] = user
	s.byLogin[user.Login] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUserByLogin(_ context.Context, login string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byLogin[login]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creator, ok := s.users[task.CreatedBy]
	if !ok {
		return Task{}, ErrNotFound
	}
	now := s.now().UTC()
	task.Status = progress.StatusTodo
	task.Version = 1
	task.CreatedByLogin = creator.Login
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Participants = []Participation{{
		TaskID:   task.ID,
		UserID:   creator.ID,
		Login:    creator.Login,
		JoinedAt: now,
	}}
	s.tasks[task.ID] = task.clone()
	return task, nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return s.withLogins(task), nil
}

func (s *MemoryStore) ListTasksForUser(_ context.Context, userID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if _, ok := task.Participation(userID); ok {
			out = append(out, s.withLogins(task))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ShareTask(_ context.Context, taskID, actorID string, logins []string) (ShareResult, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	task, ok := s.tasks[taskID]
	actor := s.users[actorID]
	recipients := make(map[string]string)
	for _, login := range logins {
		if id, exists := s.byLogin[strings.TrimSpace(login)]; exists {
			recipients[strings.TrimSpace(login)] = id
		}
	}
	s.mu.RUnlock()

	if !ok {
		s.forgetLock(taskID)
		return ShareResult{}, ErrNotFound
	}
	if !access.Can(task.Relation(actorID), access.ActionShare) {
		return ShareResult{}, ErrPermissionDenied
	}
	if task.Status == progress.StatusDone {
		return ShareResult{}, ErrTaskDone
	}

	now := s.now().UTC()
	task = task.clone()
	added := make([]string, 0)
	for _, login := range normalizeLogins(logins, actor.Login) {
		userID, exists := recipients[login]
		if !exists {
			continue
		}
		if _, already := task.Participation(userID); already {
			continue
		}
		task.Participants = append(task.Participants, Participation{
			TaskID:   taskID,
			UserID:   userID,
			Login:    login,
			JoinedAt: now,
		})
		added = append(added, login)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(added) > 0 {
		task.Version++
		task.UpdatedAt = now
		s.tasks[taskID] = task
	}
	return ShareResult{Task: s.withLogins(task), Added: added}, nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, taskID, userID string) (CompletionResult, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	task, taskOK := s.tasks[taskID]
	user, userOK := s.users[userID]
	s.mu.RUnlock()

	if !taskOK {
		s.forgetLock(taskID)
		return CompletionResult{}, ErrNotFound
	}
	if !userOK {
		return CompletionResult{}, ErrNotFound
	}
	if task.Status == progress.StatusDone {
		s.mu.RLock()
		view := s.withLogins(task)
		s.mu.RUnlock()
		return CompletionResult{Task: view, Progress: view.Progress()}, nil
	}

	now := s.now().UTC()
	result := CompletionResult{}
	task = task.clone()
	idx := -1
	for i, p := range task.Participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		completedAt := now
		task.Participants = append(task.Participants, Participation{
			TaskID:      taskID,
			UserID:      userID,
			Login:       user.Login,
			Completed:   true,
			CompletedAt: &completedAt,
			JoinedAt:    now,
		})
		result.Changed = true
		result.Enrolled = true
	case !task.Participants[idx].Completed:
		completedAt := now
		task.Participants[idx].Completed = true
		task.Participants[idx].CompletedAt = &completedAt
		result.Changed = true
	}

	result.Progress = task.Progress()

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Changed {
		task.Version++
		task.UpdatedAt = now
		if result.Progress.Done() {
			task.Status = progress.StatusDone
			result.Transitioned = true
			for _, p := range task.Participants {
				u := s.users[p.UserID]
				u.CompletedCount++
				s.users[p.UserID] = u
			}
		}
		s.tasks[taskID] = task
	}
	result.Task = s.withLogins(task)
	return result, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID, actorID string) error {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.forgetLock(taskID)
		return ErrNotFound
	}
	if !access.Can(task.Relation(actorID), access.ActionDelete) {
		return ErrPermissionDenied
	}
	delete(s.tasks, taskID)
	s.forgetLock(taskID)
	return nil
}

// withLogins returns a detached copy with logins resolved. Callers hold s.mu.
func (s *MemoryStore) withLogins(task Task) Task {
	out := task.clone()
	if creator, ok := s.users[out.CreatedBy]; ok {
		out.CreatedByLogin = creator.Login
	}
	for i := range out.Participants {
		if u, ok := s.users[out.Participants[i].UserID]; ok {
			out.Participants[i].Login = u.Login
		}
	}
	sortParticipants(out.Participants)
	return out
}
