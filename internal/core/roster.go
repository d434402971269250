package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/domain"
)

// Roster is a threadsafe membership set for one room.
// It never closes adapter-owned resources.
type Roster struct {
	roomID domain.RoomID
	mu     sync.RWMutex
	bySID  map[domain.MemberID]MemberSession
}

func NewRoster(roomID domain.RoomID) *Roster {
	return &Roster{
		roomID: roomID,
		bySID:  make(map[domain.MemberID]MemberSession),
	}
}

func (r *Roster) RoomID() domain.RoomID { return r.roomID }

func (r *Roster) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *Roster) Add(sid domain.MemberID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	log.Info().Str("module", "core.roster").Str("room", string(r.roomID)).Str("sid", string(sid)).Msg("member added")
}

func (r *Roster) Remove(sid domain.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySID, sid)
	log.Info().Str("module", "core.roster").Str("room", string(r.roomID)).Str("sid", string(sid)).Msg("member removed")
}

func (r *Roster) Get(sid domain.MemberID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.bySID[sid]
	return ms, ok
}

// Broadcast fans a frame out to every member except from (empty from means
// everyone). Sends never block; members whose buffers are full are
// reported as dropped for the manager's backpressure policy.
func (r *Roster) Broadcast(from domain.MemberID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Conn().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.roster").Str("room", string(r.roomID)).Str("from", string(from)).
		Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *Roster) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for sid, ms := range r.bySID {
		out = append(out, MemberDTO{ID: sid, User: ms.Meta().User})
	}
	return out
}
