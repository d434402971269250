package domain

import "time"

type (
	ThreadID  string
	CommentID string
)

// Comment is append-only: no edit or delete path exists.
type Comment struct {
	ID     CommentID `json:"id"`
	Author UserID    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Thread attaches a resolvable discussion to an annotation id. The
// annotation reference is nullable (unattached threads are allowed) and is
// never cleared when the annotation is deleted: discussion of removed work
// stays readable.
type Thread struct {
	ID         ThreadID      `json:"id"`
	Annotation *AnnotationID `json:"annotation_id,omitempty"`
	Resolved   bool          `json:"resolved"`
	Comments   []Comment     `json:"comments"`
	CreatedBy  UserID        `json:"created_by"`
	CreatedAt  time.Time     `json:"created_at"`
}
