package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
)

// SessionState is the per-member lifecycle:
// CONNECTING -> SYNCED -> (RECONNECTING <-> SYNCED) -> CLOSED.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateSynced
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type sessionEntry struct {
	Room    domain.RoomID
	User    *domain.User
	Session core.MemberSession
	Cancel  context.CancelFunc
	State   SessionState
	LastAck uint64
	Resume  string
	grace   *time.Timer
}

// Registry tracks every bound member session and its resume token. All
// entry mutation happens under the registry lock, through these methods.
type Registry struct {
	mu       sync.RWMutex
	bySID    map[domain.MemberID]*sessionEntry
	byResume map[string]domain.MemberID
}

func NewRegistry() *Registry {
	return &Registry{
		bySID:    make(map[domain.MemberID]*sessionEntry),
		byResume: make(map[string]domain.MemberID),
	}
}

// Bind registers a fresh session in CONNECTING state and mints its resume
// token, which doubles as the reconnect credential.
func (r *Registry) Bind(sid domain.MemberID, room domain.RoomID, user *domain.User, sess core.MemberSession, cancel context.CancelFunc) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	resume := uuid.NewString()
	r.bySID[sid] = &sessionEntry{
		Room:    room,
		User:    user,
		Session: sess,
		Cancel:  cancel,
		State:   StateConnecting,
		Resume:  resume,
	}
	r.byResume[resume] = sid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("bound session")
	return resume
}

func (r *Registry) Unbind(sid domain.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySID[sid]; ok {
		if e.grace != nil {
			e.grace.Stop()
		}
		delete(r.byResume, e.Resume)
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbound session")
}

func (r *Registry) State(sid domain.MemberID) (SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySID[sid]
	if !ok {
		return StateClosed, false
	}
	return e.State, true
}

func (r *Registry) SetState(sid domain.MemberID, st SessionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return false
	}
	e.State = st
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("state", st.String()).Msg("session state")
	return true
}

func (r *Registry) RoomOf(sid domain.MemberID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySID[sid]
	if !ok {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

func (r *Registry) User(sid domain.MemberID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySID[sid]
	if !ok {
		return nil, false
	}
	return e.User, true
}

func (r *Registry) ByResume(token string) (domain.MemberID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byResume[token]
	return sid, ok
}

// RebindConn swaps the transport of a resumed session, closing the stale
// one and cancelling its pumps.
func (r *Registry) RebindConn(sid domain.MemberID, conn core.ClientConn, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return false
	}
	old := e.Session.Conn()
	e.Session.UpdateConn(conn)
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Cancel = cancel
	if old != nil {
		old.Close()
	}
	return true
}

// SetAck raises the member's last-acknowledged storage version. Acks never
// move backwards.
func (r *Registry) SetAck(sid domain.MemberID, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySID[sid]; ok && version > e.LastAck {
		e.LastAck = version
	}
}

func (r *Registry) LastAck(sid domain.MemberID) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySID[sid]
	if !ok {
		return 0, false
	}
	return e.LastAck, true
}

// MinAck is the compaction floor: the lowest last-acknowledged version
// among the room's live (non-closed) sessions.
func (r *Registry) MinAck(room domain.RoomID) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var min uint64
	found := false
	for _, e := range r.bySID {
		if e.Room != room || e.State == StateClosed {
			continue
		}
		if !found || e.LastAck < min {
			min = e.LastAck
			found = true
		}
	}
	return min, found
}

// SetGrace (re)arms the session's reconnection grace timer.
func (r *Registry) SetGrace(sid domain.MemberID, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return
	}
	if e.grace != nil {
		e.grace.Stop()
	}
	e.grace = time.AfterFunc(d, fn)
}

func (r *Registry) StopGrace(sid domain.MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.bySID[sid]; ok && e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

// CancelPumps cancels the session's transport goroutines.
func (r *Registry) CancelPumps(sid domain.MemberID) {
	r.mu.RLock()
	e, ok := r.bySID[sid]
	r.mu.RUnlock()
	if ok && e.Cancel != nil {
		e.Cancel()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}
