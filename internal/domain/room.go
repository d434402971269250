package domain

type RoomID string

// MemberID identifies one connection, not one user: the same user may
// hold several live connections, each with its own MemberID.
type MemberID string
