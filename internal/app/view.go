package app

import (
	"taskboard/internal/protocol"
	"taskboard/internal/store"
)

func userView(user store.User) protocol.User {
	return protocol.User{ID: user.ID, Login: user.Login, CompletedCount: user.CompletedCount}
}

// taskView renders a stored task with its progress recomputed from the
// participations; progress is never read from storage.
func taskView(task store.Task) protocol.Task {
	result := task.Progress()
	participants := make([]protocol.Participant, 0, len(task.Participants))
	for _, p := range task.Participants {
		participants = append(participants, protocol.Participant{
			UserID:      p.UserID,
			Login:       p.Login,
			Completed:   p.Completed,
			CompletedAt: p.CompletedAt,
		})
	}
	return protocol.Task{
		ID:                    task.ID,
		Title:                 task.Title,
		Description:           task.Description,
		Status:                result.Status,
		Progress:              result.Progress,
		CompletedParticipants: result.Completed,
		TotalParticipants:     result.Total,
		CreatedBy:             task.CreatedBy,
		CreatedByLogin:        task.CreatedByLogin,
		Participants:          participants,
		Version:               task.Version,
		CreatedAt:             task.CreatedAt,
		UpdatedAt:             task.UpdatedAt,
	}
}

func syncUpdate(kind string, task *protocol.Task, actorLogin, correlationID string) *protocol.SyncUpdate {
	progress := task.Progress
	return &protocol.SyncUpdate{
		Type:          kind,
		TaskID:        task.ID,
		Task:          task,
		Progress:      &progress,
		ActorLogin:    actorLogin,
		CorrelationID: correlationID,
		Version:       task.Version,
	}
}
