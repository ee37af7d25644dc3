// Package protocol defines the JSON envelopes exchanged over the realtime
// websocket. Every request gets exactly one ack carrying the same id; events
// are unsolicited server pushes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeRequest = "request"
	TypeAck     = "ack"
	TypeEvent   = "event"
)

// Request events.
const (
	EventRegister       = "register"
	EventLogin          = "login"
	EventRestoreSession = "restoreSession"
	EventLogout         = "logout"
	EventCreateTask     = "createTask"
	EventShareTask      = "shareTask"
	EventCompleteTask   = "completeTask"
	EventDeleteTask     = "deleteTask"
	EventGetProfile     = "getProfile"
	EventListTasks      = "listTasks"
	EventSearchTasks    = "searchTasks"
	EventPing           = "ping"
)

// Server-pushed events.
const (
	EventSyncUpdate    = "syncUpdate"
	EventAuthenticated = "authenticated"
)

// Sync update kinds.
const (
	SyncCreated  = "created"
	SyncUpdated  = "updated"
	SyncDeleted  = "deleted"
	SyncProgress = "progress"
)

// Error codes carried by failed acks. CodeConnectionLost and CodeTimeout are
// produced by the client only.
const (
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeConnectionLost    = "CONNECTION_LOST"
	CodeDuplicateIdentity = "DUPLICATE_IDENTITY"
	CodeInvalidCredential = "INVALID_CREDENTIAL"
	CodeTimeout           = "TIMEOUT"
	CodeServerError       = "SERVER_ERROR"
)

type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewRequest(id, event string, payload any) (Envelope, error) {
	return newEnvelope(TypeRequest, id, event, payload)
}

func NewAck(id, event string, payload any) (Envelope, error) {
	return newEnvelope(TypeAck, id, event, payload)
}

func NewEvent(event string, payload any) (Envelope, error) {
	return newEnvelope(TypeEvent, "", event, payload)
}

func newEnvelope(typ, id, event string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Event: event}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Request payloads.

type Credentials struct {
	Login      string `json:"login"`
	Credential string `json:"credential"`
}

type RestoreRequest struct {
	Login string `json:"login"`
	Token string `json:"token"`
}

type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type TaskRef struct {
	TaskID string `json:"taskId"`
}

type ShareTaskRequest struct {
	TaskID          string   `json:"taskId"`
	RecipientLogins []string `json:"recipientLogins"`
}

type ProfileRequest struct {
	Login string `json:"login"`
}

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Wire entities.

type User struct {
	ID             string `json:"id"`
	Login          string `json:"login"`
	CompletedCount int    `json:"completedCount"`
}

type Participant struct {
	UserID      string     `json:"userId"`
	Login       string     `json:"login"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Task struct {
	ID                    string        `json:"id"`
	Title                 string        `json:"title"`
	Description           string        `json:"description"`
	Status                string        `json:"status"`
	Progress              int           `json:"progress"`
	CompletedParticipants int           `json:"completedParticipants"`
	TotalParticipants     int           `json:"totalParticipants"`
	CreatedBy             string        `json:"createdBy"`
	CreatedByLogin        string        `json:"createdByLogin"`
	Participants          []Participant `json:"participants"`
	Version               int64         `json:"version"`
	CreatedAt             time.Time     `json:"createdAt"`
	UpdatedAt             time.Time     `json:"updatedAt"`
}

type Profile struct {
	Login          string `json:"login"`
	CompletedCount int    `json:"completedCount"`
	TotalTasks     int    `json:"totalTasks"`
	CompletedTasks int    `json:"completedTasks"`
	SharedTasks    int    `json:"sharedTasks"`
	Tasks          []Task `json:"tasks"`
}

type SearchResult struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Status  string `json:"status"`
}

// SyncUpdate is fanned out to every connection after a committed mutation and
// echoed in the originating ack.
type SyncUpdate struct {
	Type          string `json:"type"`
	TaskID        string `json:"taskId"`
	Task          *Task  `json:"task,omitempty"`
	Progress      *int   `json:"progress,omitempty"`
	ActorLogin    string `json:"actorLogin"`
	CorrelationID string `json:"correlationId"`
	Version       int64  `json:"version"`
}

// Ack is the response to a request. Only the fields relevant to the event are
// set.
type Ack struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Code        string         `json:"code,omitempty"`
	User        *User          `json:"user,omitempty"`
	Token       string         `json:"token,omitempty"`
	Task        *Task          `json:"task,omitempty"`
	TaskID      string         `json:"taskId,omitempty"`
	Tasks       []Task         `json:"tasks,omitempty"`
	SharedCount *int           `json:"sharedCount,omitempty"`
	Progress    *int           `json:"progress,omitempty"`
	Profile     *Profile       `json:"profile,omitempty"`
	Results     []SearchResult `json:"results,omitempty"`
	ServerTime  *time.Time     `json:"serverTime,omitempty"`
	Sync        *SyncUpdate    `json:"sync,omitempty"`
}

func Failure(code, message string) Ack {
	return Ack{Success: false, Error: message, Code: code}
}

// Authenticated is pushed after login, register and restore.
type Authenticated struct {
	User User `json:"user"`
}

// IsMutation reports whether event changes task state and therefore requires
// an authenticated connection.
func IsMutation(event string) bool {
	switch event {
	case EventCreateTask, EventShareTask, EventCompleteTask, EventDeleteTask:
		return true
	}
	return false
}

// AllowedUnauthenticated lists the events a client may send before it has an
// identity.
func AllowedUnauthenticated(event string) bool {
	switch event {
	case EventRegister, EventLogin, EventRestoreSession, EventGetProfile, EventPing:
		return true
	}
	return false
}
