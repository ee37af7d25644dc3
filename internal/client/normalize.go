package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskboard/internal/protocol"
)

// taskPatch is a task as received: only the fields the sender included are
// set, so merging never blanks out what the payload left out.
type taskPatch struct {
	ID                    string
	Title                 *string
	Description           *string
	Status                *string
	Progress              *int
	CompletedParticipants *int
	TotalParticipants     *int
	CreatedBy             *string
	CreatedByLogin        *string
	Version               *int64
	CreatedAt             *time.Time
	UpdatedAt             *time.Time
	Participants          []protocol.Participant
	HasParticipants       bool
}

var errNoTaskID = errors.New("task without id")

// normalizeTask is the single ingestion point for tasks coming from acks,
// fan-outs, profile fetches and the snapshot cache. It accepts camelCase keys
// and the legacy snake_case ones.
func normalizeTask(raw map[string]any) (taskPatch, error) {
	var p taskPatch
	p.ID = stringField(raw, "id", "task_id", "taskId")
	if p.ID == "" {
		return taskPatch{}, errNoTaskID
	}
	p.Title = optString(raw, "title")
	p.Description = optString(raw, "description")
	p.Status = optString(raw, "status")
	p.Progress = optInt(raw, "progress")
	p.CompletedParticipants = optInt(raw, "completedParticipants", "completed_participants")
	p.TotalParticipants = optInt(raw, "totalParticipants", "total_participants")
	p.CreatedBy = optString(raw, "createdBy", "created_by")
	p.CreatedByLogin = optString(raw, "createdByLogin", "created_by_login")
	if v := optInt(raw, "version"); v != nil {
		version := int64(*v)
		p.Version = &version
	}
	p.CreatedAt = optTime(raw, "createdAt", "created_at")
	p.UpdatedAt = optTime(raw, "updatedAt", "updated_at")

	if list, ok := lookup(raw, "participants"); ok {
		items, ok := list.([]any)
		if !ok {
			return taskPatch{}, fmt.Errorf("task %s: participants is not a list", p.ID)
		}
		p.HasParticipants = true
		p.Participants = make([]protocol.Participant, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			part := protocol.Participant{
				UserID: stringField(obj, "userId", "user_id", "id"),
				Login:  stringField(obj, "login"),
			}
			if b, ok := lookup(obj, "completed", "is_completed"); ok {
				part.Completed, _ = b.(bool)
			}
			part.CompletedAt = optTime(obj, "completedAt", "completed_at")
			p.Participants = append(p.Participants, part)
		}
	}
	return p, nil
}

func normalizeTaskJSON(data []byte) (taskPatch, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return taskPatch{}, err
	}
	return normalizeTask(raw)
}

func decodeObject(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("expected a JSON object")
	}
	return raw, nil
}

// apply merges the patch onto base.
func (p taskPatch) apply(base protocol.Task) protocol.Task {
	out := base
	out.ID = p.ID
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Progress != nil {
		out.Progress = *p.Progress
	}
	if p.CompletedParticipants != nil {
		out.CompletedParticipants = *p.CompletedParticipants
	}
	if p.TotalParticipants != nil {
		out.TotalParticipants = *p.TotalParticipants
	}
	if p.CreatedBy != nil {
		out.CreatedBy = *p.CreatedBy
	}
	if p.CreatedByLogin != nil {
		out.CreatedByLogin = *p.CreatedByLogin
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	if p.CreatedAt != nil {
		out.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	if p.HasParticipants {
		out.Participants = append([]protocol.Participant(nil), p.Participants...)
	}
	return out
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(raw map[string]any, keys ...string) string {
	if s := optString(raw, keys...); s != nil {
		return *s
	}
	return ""
}

func optString(raw map[string]any, keys ...string) *string {
	v, ok := lookup(raw, keys...)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func optInt(raw map[string]any, keys ...string) *int {
	v, ok := lookup(raw, keys...)
	if !ok {
		return nil
	}
	var n int
	switch num := v.(type) {
	case float64:
		n = int(num)
	case json.Number:
		i, err := num.Int64()
		if err != nil {
			return nil
		}
		n = int(i)
	default:
		return nil
	}
	return &n
}

func optTime(raw map[string]any, keys ...string) *time.Time {
	s := optString(raw, keys...)
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
