package domain

type EventKind string

const (
	EventAnnotationCreated EventKind = "ANNOTATION_CREATED"
	EventAnnotationUpdated EventKind = "ANNOTATION_UPDATED"
	EventAnnotationDeleted EventKind = "ANNOTATION_DELETED"
	EventUserJoined        EventKind = "USER_JOINED"
	EventUserLeft          EventKind = "USER_LEFT"
)

// Event is a discrete domain event carrying the minimal identifiers a
// client needs to reconcile local state without re-deriving it from
// storage.
type Event struct {
	Kind       EventKind    `json:"kind"`
	Annotation AnnotationID `json:"annotation_id,omitempty"`
	Member     MemberID     `json:"member_id,omitempty"`
	User       *User        `json:"user,omitempty"`
	Version    uint64       `json:"version,omitempty"`
}
