package search

import (
	"context"
	"strings"

	"taskboard/internal/store"
)

// TaskLister is the part of the task store Scan needs.
type TaskLister interface {
	ListTasksForUser(ctx context.Context, userID string) ([]store.Task, error)
}

// Scan matches every query term as a case-insensitive substring of the title
// or description. It backs search when no database is configured.
type Scan struct {
	tasks TaskLister
}

func NewScan(tasks TaskLister) *Scan {
	return &Scan{tasks: tasks}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return []Result{}, 0, nil
	}
	tasks, err := s.tasks.ListTasksForUser(ctx, q.UserID)
	if err != nil {
		return nil, 0, err
	}

	limit := clampLimit(q.Limit)
	results := make([]Result, 0)
	total := 0
	for _, task := range tasks {
		haystack := strings.ToLower(task.Title + "\n" + task.Description)
		if !containsAll(haystack, terms) {
			continue
		}
		total++
		if len(results) < limit {
			results = append(results, Result{
				TaskID:  task.ID,
				Title:   task.Title,
				Snippet: task.Description,
				Status:  task.Status,
			})
		}
	}
	return results, total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

// RecordFromTask converts a stored task into its index document.
func RecordFromTask(task store.Task) TaskRecord {
	participants := make([]string, 0, len(task.Participants))
	for _, p := range task.Participants {
		participants = append(participants, p.UserID)
	}
	return TaskRecord{
		ID:             task.ID,
		Title:          task.Title,
		Description:    task.Description,
		Status:         task.Status,
		CreatedByLogin: task.CreatedByLogin,
		Participants:   participants,
	}
}
