package app

import "github.com/bugcanvas/annotsync/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	// MarkReconnecting drops the member's transport and lets the grace
	// period / catch-up machinery resynchronize it.
	MarkReconnecting
	// Kick closes the session outright, no grace period.
	Kick
	// DropFrame accepts the loss; fine for presence, wrong for ops.
	DropFrame
)

// Policy decides what to do with a member whose send buffer overflowed.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.MemberID) BackpressureAction
}

// ResyncPolicy is the default: a slow member is moved to RECONNECTING and
// caught up later rather than blocking or losing state.
type ResyncPolicy struct{}

func (ResyncPolicy) OnBackPressure(domain.RoomID, domain.MemberID) BackpressureAction {
	return MarkReconnecting
}
