package domain

// Stamp is a Lamport timestamp: a monotonically increasing counter paired
// with the originating member id as tiebreak. Stamps totally order
// concurrent edits without relying on wall clocks.
type Stamp struct {
	Clock uint64   `json:"clock"`
	Actor MemberID `json:"actor"`
}

func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Actor == ""
}

// After reports whether s strictly supersedes o.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Actor > o.Actor
}

func (s Stamp) Equal(o Stamp) bool {
	return s.Clock == o.Clock && s.Actor == o.Actor
}

// Max returns the later of the two stamps.
func (s Stamp) Max(o Stamp) Stamp {
	if o.After(s) {
		return o
	}
	return s
}
