package store

import (
	"errors"
	"sort"
	"strings"
	"time"

	"taskboard/internal/access"
	"taskboard/internal/progress"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateLogin   = errors.New("login already registered")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTaskDone         = errors.New("task already done")
)

type User struct {
	ID             string
	Login          string
	PasswordHash   string
	CompletedCount int
	CreatedAt      time.Time
}

type Task struct {
	ID             string
	Title          string
	Description    string
	Status         string
	CreatedBy      string
	CreatedByLogin string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Participants   []Participation
}

type Participation struct {
	TaskID      string
	UserID      string
	Login       string
	Completed   bool
	CompletedAt *time.Time
	JoinedAt    time.Time
}

// Progress recomputes the task's completion from its participations.
func (t Task) Progress() progress.Result {
	marks := make([]progress.Mark, 0, len(t.Participants))
	for _, p := range t.Participants {
		marks = append(marks, progress.Mark{Completed: p.Completed})
	}
	return progress.Compute(marks)
}

func (t Task) Participation(userID string) (Participation, bool) {
	for _, p := range t.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participation{}, false
}

func (t Task) Relation(userID string) access.Relation {
	_, ok := t.Participation(userID)
	return access.Resolve(userID, t.CreatedBy, ok)
}

// Shared reports whether anyone besides a single participant is on the task.
func (t Task) Shared() bool {
	return len(t.Participants) > 1
}

func (t Task) clone() Task {
	out := t
	out.Participants = make([]Participation, len(t.Participants))
	for i, p := range t.Participants {
		out.Participants[i] = p
		if p.CompletedAt != nil {
			at := *p.CompletedAt
			out.Participants[i].CompletedAt = &at
		}
	}
	return out
}

// ShareResult lists the logins that were actually enrolled.
type ShareResult struct {
	Task  Task
	Added []string
}

type CompletionResult struct {
	Task     Task
	Progress progress.Result
	// Changed is false when the call was a no-op (already completed or task done).
	Changed bool
	// Transitioned is true only for the call that moved the task to done.
	Transitioned bool
	Enrolled     bool
}

func sortParticipants(parts []Participation) {
	sort.SliceStable(parts, func(i, j int) bool {
		if !parts[i].JoinedAt.Equal(parts[j].JoinedAt) {
			return parts[i].JoinedAt.Before(parts[j].JoinedAt)
		}
		return parts[i].Login < parts[j].Login
	})
}

func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// normalizeLogins trims and drops blanks, duplicates and the excluded login while
// keeping the caller's order.
func normalizeLogins(logins []string, exclude string) []string {
	seen := make(map[string]struct{}, len(logins))
	out := make([]string, 0, len(logins))
	for _, login := range logins {
		login = strings.TrimSpace(login)
		if login == "" || login == exclude {
			continue
		}
		if _, ok := seen[login]; ok {
			continue
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	return out
}
