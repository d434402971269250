// Package core defines the seams between the collaboration engine and its
// collaborators: transport connections, member sessions, room membership
// and the external services the core delegates to.
package core

import (
	"github.com/bugcanvas/annotsync/internal/domain"
)

// Frame is one encoded wire message.
type Frame []byte

// ClientConn abstracts a member's message transport.
// Owned by the adapter; the adapter must Close() it.
type ClientConn interface {
	// TrySend enqueues without blocking; it fails fast on a full buffer so
	// a slow member never stalls the room.
	TrySend(Frame) error
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Conn() ClientConn
	// UpdateConn swaps the transport after a reconnect, keeping identity
	// and per-session state intact.
	UpdateConn(ClientConn) MemberSession
}

// PublishResult reports delivery stats and backpressure to the manager.
type PublishResult struct {
	SentTo  int
	Dropped []domain.MemberID
}

// MemberDTO is a read-only membership view for APIs (no transport fields).
type MemberDTO struct {
	ID   domain.MemberID `json:"id"`
	User *domain.User    `json:"user"`
}

// RoomInfo is the listing row for the rooms API.
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	Version     uint64        `json:"version"`
}
