package domain

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the transient per-member record. It is never persisted and
// resets to empty on reconnect. Only the owning member mutates it.
type Presence struct {
	Cursor    *Point        `json:"cursor"`
	Selection *AnnotationID `json:"selection"`
	Typing    bool          `json:"typing"`
}

// Empty reports whether the record carries no live state.
func (p Presence) Empty() bool {
	return p.Cursor == nil && p.Selection == nil && !p.Typing
}
