package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
}

// Query describes a search request. Only tasks UserID participates in match.
type Query struct {
	Text   string
	UserID string
	Limit  int
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push tasks into a search index.
type Indexer interface {
	Searcher
	IndexTasks(records []TaskRecord) error
	DeleteTask(id string) error
}

// TaskRecord is the data we index for a task. Participants holds user ids and
// is used as a filter.
type TaskRecord struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	CreatedByLogin string   `json:"createdByLogin"`
	Participants   []string `json:"participants"`
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
