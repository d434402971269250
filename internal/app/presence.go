package app

import (
	"sync"
	"time"

	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/protocol"
)

// Broadcaster owns one room's ephemeral presence roster. Updates overwrite
// only the provided fields, are never persisted, and fan out best-effort:
// a lost delta is superseded by the next one, never retried.
//
// Rapid successive updates from one member coalesce into the most recent
// value before transmission; convergence to the last value is preserved.
type Broadcaster struct {
	mu         sync.Mutex
	flushEvery time.Duration
	states     map[domain.MemberID]*domain.Presence
	pending    map[domain.MemberID]*protocol.PresenceDelta
	timer      *time.Timer

	// fanout delivers a coalesced delta to the room, excluding the owner.
	fanout func(from domain.MemberID, delta protocol.PresenceDelta)
}

// NewBroadcaster builds a broadcaster. flushEvery <= 0 disables coalescing
// and every delta is sent immediately.
func NewBroadcaster(flushEvery time.Duration, fanout func(domain.MemberID, protocol.PresenceDelta)) *Broadcaster {
	return &Broadcaster{
		flushEvery: flushEvery,
		states:     make(map[domain.MemberID]*domain.Presence),
		pending:    make(map[domain.MemberID]*protocol.PresenceDelta),
		fanout:     fanout,
	}
}

// Join registers an empty presence record for the member. Presence always
// starts empty, including after a reconnect.
func (b *Broadcaster) Join(sid domain.MemberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[sid] = &domain.Presence{}
}

// Leave drops the member's record and any pending delta.
func (b *Broadcaster) Leave(sid domain.MemberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, sid)
	delete(b.pending, sid)
}

// Set overwrites the provided fields for sid and queues a delta broadcast
// to peers. It never blocks on acknowledgment. Updates for members without
// a live record (not yet synced, or already left) are dropped.
func (b *Broadcaster) Set(sid domain.MemberID, delta protocol.PresenceDelta) {
	if delta.Empty() {
		return
	}

	b.mu.Lock()
	p, ok := b.states[sid]
	if !ok {
		b.mu.Unlock()
		return
	}
	delta.Apply(p)

	if b.flushEvery <= 0 {
		b.mu.Unlock()
		b.fanout(sid, delta)
		return
	}

	if cur, ok := b.pending[sid]; ok {
		cur.Merge(delta)
	} else {
		d := delta
		b.pending[sid] = &d
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushEvery, b.flush)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[domain.MemberID]*protocol.PresenceDelta)
	b.timer = nil
	b.mu.Unlock()

	for sid, delta := range batch {
		b.fanout(sid, *delta)
	}
}

// Roster returns a copy of the current presence of every member.
func (b *Broadcaster) Roster() map[domain.MemberID]domain.Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.MemberID]domain.Presence, len(b.states))
	for sid, p := range b.states {
		out[sid] = *p
	}
	return out
}

// Get returns the current record for one member.
func (b *Broadcaster) Get(sid domain.MemberID) (domain.Presence, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.states[sid]
	if !ok {
		return domain.Presence{}, false
	}
	return *p, true
}
