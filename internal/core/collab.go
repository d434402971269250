package core

import (
	"context"

	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/store"
)

// JoinRequest is what the authorization collaborator sees: who wants in,
// where, and whatever credential the transport handed over.
type JoinRequest struct {
	User  domain.UserID
	Room  domain.RoomID
	Token string
}

// Authorizer decides room admission. The core never implements
// authorization itself.
type Authorizer interface {
	CanJoinRoom(ctx context.Context, req JoinRequest) (bool, error)
}

// Directory resolves a user id to display data for presence and event
// payloads. The core treats the result as opaque.
type Directory interface {
	Lookup(ctx context.Context, id domain.UserID) (*domain.User, error)
}

// SnapshotStore is the durable persistence collaborator. Load returns
// (nil, nil) when no snapshot exists for the room.
type SnapshotStore interface {
	Save(ctx context.Context, roomID domain.RoomID, dump store.Dump) error
	Load(ctx context.Context, roomID domain.RoomID) (*store.Dump, error)
}
