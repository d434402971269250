package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/metrics"
	"github.com/bugcanvas/annotsync/internal/protocol"
	"github.com/bugcanvas/annotsync/internal/store"
)

// Room bundles one room's live state: membership, the merge engine, the
// thread set, presence and the event bus. Sessions hold a reference, never
// a copy; all mutation funnels through the engine's single apply point.
type Room struct {
	ID       domain.RoomID
	Roster   *core.Roster
	Engine   *store.Engine
	Threads  *store.Threads
	Presence *Broadcaster
	Bus      *EventBus

	// opMu serializes apply+fanout so broadcast order matches version
	// order. Sends inside are non-blocking, so nothing stalls here.
	opMu sync.Mutex

	linger *time.Timer

	// dead is set under opMu when teardown has persisted the room and is
	// about to drop it from the registry. A join that finds it set must
	// re-lookup instead of attaching to the orphaned instance.
	dead bool
}

// DumpState captures everything the durable store persists for the room.
func (r *Room) DumpState() store.Dump {
	d := r.Engine.Dump(r.ID)
	d.Threads = r.Threads.List()
	return d
}

// RoomRegistry owns room lifecycle: arena-style, one engine per room id,
// created on first join (seeded from the durable store) and destroyed
// after the last member leaves past the linger period.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room

	snapshots     core.SnapshotStore
	storeOpts     store.Options
	presenceFlush time.Duration

	// onDropped is invoked with members whose send buffers overflowed
	// during presence or event fan-out.
	onDropped func(domain.RoomID, []domain.MemberID)
}

func NewRoomRegistry(snapshots core.SnapshotStore, storeOpts store.Options, presenceFlush time.Duration) *RoomRegistry {
	return &RoomRegistry{
		rooms:         make(map[domain.RoomID]*Room),
		snapshots:     snapshots,
		storeOpts:     storeOpts,
		presenceFlush: presenceFlush,
	}
}

// SetDropHandler wires the manager's backpressure handling. Must be called
// before the first GetOrCreate.
func (f *RoomRegistry) SetDropHandler(fn func(domain.RoomID, []domain.MemberID)) {
	f.onDropped = fn
}

// GetOrCreate returns the live room, creating and seeding it when absent.
// A durable-store load failure is fatal to the room's startup and is
// surfaced to the joining client as retryable.
func (f *RoomRegistry) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room, nil
	}

	dump, err := f.snapshots.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}

	var engine *store.Engine
	threads := store.NewThreads()
	if dump != nil {
		engine = store.FromDump(*dump, f.storeOpts)
		threads.Restore(dump.Threads)
		log.Info().Str("module", "app.rooms").Str("room", string(id)).
			Uint64("version", dump.Version).Int("records", len(dump.Records)).Msg("room restored from snapshot")
	} else {
		engine = store.New(f.storeOpts)
		log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	}

	roster := core.NewRoster(id)
	room = &Room{
		ID:      id,
		Roster:  roster,
		Engine:  engine,
		Threads: threads,
	}
	room.Presence = NewBroadcaster(f.presenceFlush, func(from domain.MemberID, delta protocol.PresenceDelta) {
		frame, err := protocol.Marshal(protocol.PresenceBroadcastPayload{
			Type: protocol.MsgPresence, Member: from, Delta: delta,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "app.rooms").Msg("marshal presence delta")
			return
		}
		res := roster.Broadcast(from, core.Frame(frame))
		if len(res.Dropped) > 0 && f.onDropped != nil {
			f.onDropped(id, res.Dropped)
		}
	})
	room.Bus = NewEventBus(roster, func(dropped []domain.MemberID) {
		if f.onDropped != nil {
			f.onDropped(id, dropped)
		}
	})

	f.rooms[id] = room
	metrics.RoomsActive.Set(float64(len(f.rooms)))
	return room, nil
}

// Get returns the room only if it is already live.
func (f *RoomRegistry) Get(id domain.RoomID) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomRegistry) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{
			ID:          id,
			MemberCount: r.Roster.MemberCount(),
			Version:     r.Engine.Version(),
		})
	}
	return out
}

// Rooms snapshots the live room set, for shutdown persistence.
func (f *RoomRegistry) Rooms() []*Room {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r)
	}
	return out
}

// Remove forgets the room. The caller is responsible for having persisted
// its state first.
func (f *RoomRegistry) Remove(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	metrics.RoomsActive.Set(float64(len(f.rooms)))
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room removed")
}
