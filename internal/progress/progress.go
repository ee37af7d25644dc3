// Package progress derives a shared task's completion state from its
// participants' individual completion flags.
package progress

import "math"

const (
	StatusTodo = "todo"
	StatusDone = "done"
)

// Mark is the part of a participation that matters for progress.
type Mark struct {
	Completed bool
}

type Result struct {
	Progress  int    `json:"progress"`
	Status    string `json:"status"`
	Completed int    `json:"completedParticipants"`
	Total     int    `json:"totalParticipants"`
}

// Done reports whether the result represents a finished task.
func (r Result) Done() bool {
	return r.Status == StatusDone
}

// Compute returns round(100*completed/total) and the matching status.
// A task with no participants is todo at 0%. Partial completion is capped at 99.
func Compute(marks []Mark) Result {
	completed := 0
	for _, m := range marks {
		if m.Completed {
			completed++
		}
	}
	return FromCounts(completed, len(marks))
}

// FromCounts is Compute for callers that already aggregated the flags, such as
// SQL COUNT queries.
func FromCounts(completed, total int) Result {
	if total <= 0 {
		return Result{Progress: 0, Status: StatusTodo, Completed: 0, Total: 0}
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	pct := int(math.Round(100 * float64(completed) / float64(total)))
	// Rounding alone would report 100 for e.g. 199 of 200; only a fully
	// completed task may reach 100.
	if completed < total && pct > 99 {
		pct = 99
	}
	status := StatusTodo
	if pct == 100 {
		status = StatusDone
	}
	return Result{Progress: pct, Status: status, Completed: completed, Total: total}
}
