package domain

import "time"

// Member represents a user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	ID       MemberID
	User     *User
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id MemberID, user *User) *Member {
	return &Member{ID: id, User: user, JoinedAt: time.Now()}
}
