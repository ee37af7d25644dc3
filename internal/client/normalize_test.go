package client

import (
	"testing"
	"time"

	"taskboard/internal/protocol"
)

func TestNormalizeTaskAcceptsBothKeyStyles(t *testing.T) {
	camel := []byte(`{
		"id": "tsk_1", "title": "Buy milk", "status": "todo", "progress": 50,
		"completedParticipants": 1, "totalParticipants": 2, "createdByLogin": "alice",
		"version": 3, "createdAt": "2026-01-02T03:04:05Z",
		"participants": [{"userId": "usr_a", "login": "alice", "completed": true}]
	}`)
	snake := []byte(`{
		"task_id": "tsk_1", "title": "Buy milk", "status": "todo", "progress": 50,
		"completed_participants": 1, "total_participants": 2, "created_by_login": "alice",
		"version": 3, "created_at": "2026-01-02T03:04:05Z",
		"participants": [{"user_id": "usr_a", "login": "alice", "is_completed": true}]
	}`)

	for name, data := range map[string][]byte{"camel": camel, "snake": snake} {
		t.Run(name, func(t *testing.T) {
			patch, err := normalizeTaskJSON(data)
			if err != nil {
				t.Fatalf("normalizeTaskJSON: %v", err)
			}
			task := patch.apply(protocol.Task{})
			want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			if task.ID != "tsk_1" || task.Progress != 50 || task.TotalParticipants != 2 ||
				task.CompletedParticipants != 1 || task.CreatedByLogin != "alice" ||
				task.Version != 3 || !task.CreatedAt.Equal(want) {
				t.Fatalf("unexpected task: %+v", task)
			}
			if len(task.Participants) != 1 || task.Participants[0].UserID != "usr_a" || !task.Participants[0].Completed {
				t.Fatalf("unexpected participants: %+v", task.Participants)
			}
		})
	}
}

func TestNormalizeTaskMergeKeepsAbsentFields(t *testing.T) {
	base := protocol.Task{
		ID:           "tsk_1",
		Title:        "Buy milk",
		Description:  "2 litres",
		Progress:     0,
		Version:      1,
		Participants: []protocol.Participant{{UserID: "usr_a", Login: "alice"}},
	}
	patch, err := normalizeTaskJSON([]byte(`{"id": "tsk_1", "progress": 100, "status": "done", "version": 2}`))
	if err != nil {
		t.Fatalf("normalizeTaskJSON: %v", err)
	}
	merged := patch.apply(base)
	if merged.Title != "Buy milk" || merged.Description != "2 litres" || len(merged.Participants) != 1 {
		t.Fatalf("absent fields were lost: %+v", merged)
	}
	if merged.Progress != 100 || merged.Status != "done" || merged.Version != 2 {
		t.Fatalf("present fields did not win: %+v", merged)
	}
}

func TestNormalizeTaskRejectsMissingID(t *testing.T) {
	if _, err := normalizeTaskJSON([]byte(`{"title": "orphan"}`)); err == nil {
		t.Fatal("expected error for task without id")
	}
	if _, err := normalizeTaskJSON([]byte(`{"id": "tsk_1", "participants": "nope"}`)); err == nil {
		t.Fatal("expected error for malformed participants")
	}
}
