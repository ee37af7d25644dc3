// Package access decides which task actions a user may take.
package access

type Action string

const (
	ActionView     Action = "view"
	ActionShare    Action = "share"
	ActionComplete Action = "complete"
	ActionDelete   Action = "delete"
)

// Relation is how a user relates to a task.
type Relation string

const (
	RelationNone        Relation = "none"
	RelationParticipant Relation = "participant"
	RelationCreator     Relation = "creator"
)

// Resolve derives the relation from the creator id and the participation flag.
func Resolve(userID, createdBy string, participates bool) Relation {
	switch {
	case userID != "" && userID == createdBy:
		return RelationCreator
	case participates:
		return RelationParticipant
	default:
		return RelationNone
	}
}

// Can reports whether a user with the given relation may perform action.
// Completing is open to every authenticated user: callers without a
// participation are enrolled on the fly.
func Can(rel Relation, action Action) bool {
	switch action {
	case ActionView, ActionComplete:
		return true
	case ActionShare, ActionDelete:
		return rel == RelationCreator || rel == RelationParticipant
	default:
		return false
	}
}
