package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/metrics"
	"github.com/bugcanvas/annotsync/internal/protocol"
	"github.com/bugcanvas/annotsync/internal/store"
)

var (
	// ErrUnauthorized is a join denied by the authorization collaborator.
	// The session never reaches CONNECTING and the client is not retried.
	ErrUnauthorized = errors.New("join denied")

	// ErrRoomUnavailable is a durable-store load failure on room startup,
	// surfaced to the joining client as retryable.
	ErrRoomUnavailable = errors.New("room state unavailable")

	ErrUnknownSession = errors.New("unknown session")
	ErrBadJoin        = errors.New("malformed join request")
)

// Config tunes the session manager. Durations are used verbatim: a zero
// grace period closes sessions immediately on disconnect, a zero presence
// flush disables coalescing. Production defaults come from the config file.
type Config struct {
	GracePeriod   time.Duration
	RoomLinger    time.Duration
	PresenceFlush time.Duration
}

// Manager is the room session manager: it admits sessions, drives their
// state machine, funnels storage ops into the engine, and coordinates
// presence, events, catch-up and room teardown.
type Manager struct {
	cfg       Config
	rooms     *RoomRegistry
	sessions  *Registry
	auth      core.Authorizer
	dir       core.Directory
	snapshots core.SnapshotStore
	policy    Policy
}

func NewManager(cfg Config, auth core.Authorizer, dir core.Directory, snapshots core.SnapshotStore, storeOpts store.Options, policy Policy) *Manager {
	if policy == nil {
		policy = ResyncPolicy{}
	}
	m := &Manager{
		cfg:       cfg,
		sessions:  NewRegistry(),
		auth:      auth,
		dir:       dir,
		snapshots: snapshots,
		policy:    policy,
	}
	m.rooms = NewRoomRegistry(snapshots, storeOpts, cfg.PresenceFlush)
	m.rooms.SetDropHandler(m.handleDropped)
	return m
}

// Rooms exposes the registry for the HTTP listing API.
func (m *Manager) Rooms() *RoomRegistry { return m.rooms }

// Connect admits a session: authorization, room seeding, full snapshot (or
// incremental catch-up on resume), then SYNCED. The returned member id is
// the session's identity for all later dispatch; on resume it is the
// original session's id, not the new connection's.
func (m *Manager) Connect(ctx context.Context, connID domain.MemberID, conn core.ClientConn, p protocol.JoinPayload, cancel context.CancelFunc) (domain.MemberID, error) {
	if p.Resume != "" {
		if sid, ok := m.sessions.ByResume(p.Resume); ok {
			if resumed, err := m.resume(sid, conn, p, cancel); err == nil {
				return resumed, nil
			}
			// Fall through to a fresh join when resuming failed.
		}
	}

	roomID := domain.RoomID(p.Room)
	if roomID == "" {
		m.sendError(conn, protocol.CodeBadMessage, "join without room", false)
		return "", ErrBadJoin
	}

	userID := domain.UserID(p.UserID)
	if userID == "" {
		userID = domain.UserID("anon:" + string(connID))
	}
	user, err := m.dir.Lookup(ctx, userID)
	if err != nil {
		m.sendError(conn, protocol.CodeRoomUnavailable, "identity lookup failed", true)
		return "", err
	}
	if p.Name != "" {
		if err := user.SetName(p.Name); err != nil {
			m.sendError(conn, protocol.CodeBadMessage, err.Error(), false)
			return "", ErrBadJoin
		}
	}
	if p.Color != "" {
		user.Color = p.Color
	}

	ok, err := m.auth.CanJoinRoom(ctx, core.JoinRequest{User: user.ID, Room: roomID, Token: p.Token})
	if err != nil {
		m.sendError(conn, protocol.CodeRoomUnavailable, "authorization unavailable", true)
		return "", err
	}
	if !ok {
		m.sendError(conn, protocol.CodeUnauthorized, "join denied", false)
		return "", ErrUnauthorized
	}

	meta := domain.NewMember(connID, user)
	sess := core.NewMemberSession(meta, conn)
	resume := m.sessions.Bind(connID, roomID, user, sess, cancel)

	// The snapshot is composed and sent under opMu so the newcomer misses
	// no op: everything accepted afterwards reaches it as a broadcast.
	// The dead re-check closes the window against a concurrent teardown:
	// when the room was persisted and dropped between lookup and lock, a
	// fresh lookup reloads it from the durable store.
	var room *Room
	for {
		var rerr error
		room, rerr = m.rooms.GetOrCreate(ctx, roomID)
		if rerr != nil {
			m.sessions.Unbind(connID)
			m.sendError(conn, protocol.CodeRoomUnavailable, "room state unavailable", true)
			return "", rerr
		}
		m.stopLinger(room)
		room.opMu.Lock()
		if !room.dead {
			break
		}
		room.opMu.Unlock()
	}
	room.Roster.Add(connID, sess)
	snap := m.buildSnapshot(room, connID, resume)
	m.send(conn, snap)
	room.opMu.Unlock()

	room.Presence.Join(connID)
	m.sessions.SetState(connID, StateSynced)
	m.sessions.SetAck(connID, snap.Version)
	metrics.MembersConnected.Set(float64(m.sessions.Count()))

	room.Bus.Publish(domain.Event{Kind: domain.EventUserJoined, Member: connID, User: user})
	log.Info().Str("module", "app.manager").Str("sid", string(connID)).
		Str("room", string(roomID)).Str("user", string(user.ID)).Msg("session synced")
	return connID, nil
}

// resume reattaches a new transport to a retained session and catches it
// up incrementally, falling back to a full snapshot when the gap is not
// coverable or the client reports no prior version.
func (m *Manager) resume(sid domain.MemberID, conn core.ClientConn, p protocol.JoinPayload, cancel context.CancelFunc) (domain.MemberID, error) {
	st, ok := m.sessions.State(sid)
	if !ok || st == StateClosed {
		return "", ErrUnknownSession
	}
	roomID, _, ok := m.sessions.RoomOf(sid)
	if !ok || (p.Room != "" && domain.RoomID(p.Room) != roomID) {
		return "", ErrUnknownSession
	}
	room, live := m.rooms.Get(roomID)
	if !live {
		return "", ErrUnknownSession
	}

	if !m.sessions.RebindConn(sid, conn, cancel) {
		return "", ErrUnknownSession
	}
	m.sessions.StopGrace(sid)
	m.sessions.SetState(sid, StateSynced)
	room.Presence.Join(sid) // presence resets to empty on reconnect

	room.opMu.Lock()
	sent := false
	if p.LastVersion != nil {
		if ops, covered := room.Engine.SinceVersion(*p.LastVersion); covered {
			m.send(conn, protocol.CatchupPayload{
				Type:    protocol.MsgCatchup,
				Ops:     ops,
				Version: room.Engine.Version(),
				Members: m.memberInfos(room),
				Threads: room.Threads.List(),
			})
			sent = true
		}
	}
	if !sent {
		entryResume := p.Resume
		m.send(conn, m.buildSnapshot(room, sid, entryResume))
	}
	room.opMu.Unlock()

	metrics.Reconnects.Inc()
	log.Info().Str("module", "app.manager").Str("sid", string(sid)).
		Str("room", string(roomID)).Bool("incremental", sent).Msg("session resumed")
	return sid, nil
}

// Disconnect handles transport loss: the session is retained in
// RECONNECTING for the grace period so in-flight state can be resumed
// without the member appearing to leave.
func (m *Manager) Disconnect(sid domain.MemberID) {
	st, ok := m.sessions.State(sid)
	if !ok || st == StateClosed || st == StateReconnecting {
		return
	}
	if m.cfg.GracePeriod <= 0 {
		m.CloseSession(sid)
		return
	}
	m.sessions.SetState(sid, StateReconnecting)

	// Peers drop the member's cursor right away; durable state and the
	// roster entry stay put until the grace period expires.
	if roomID, _, ok := m.sessions.RoomOf(sid); ok {
		if room, live := m.rooms.Get(roomID); live {
			room.Presence.Leave(sid)
			m.broadcastPresence(room, sid, protocol.ClearedDelta())
		}
	}

	m.sessions.SetGrace(sid, m.cfg.GracePeriod, func() { m.CloseSession(sid) })
	log.Info().Str("module", "app.manager").Str("sid", string(sid)).
		Dur("grace", m.cfg.GracePeriod).Msg("session reconnecting")
}

// Leave is a graceful exit: no grace period, immediate USER_LEFT.
func (m *Manager) Leave(sid domain.MemberID) {
	if _, sess, ok := m.sessions.RoomOf(sid); ok && sess != nil {
		m.send(sess.Conn(), protocol.Envelope{Type: protocol.MsgLeft})
	}
	m.CloseSession(sid)
}

// CloseSession moves the session to CLOSED: presence cleared, membership
// dropped, USER_LEFT published. Ops it originated stay applied.
func (m *Manager) CloseSession(sid domain.MemberID) {
	st, ok := m.sessions.State(sid)
	if !ok || st == StateClosed {
		return
	}
	m.sessions.SetState(sid, StateClosed)
	m.sessions.StopGrace(sid)

	roomID, sess, bound := m.sessions.RoomOf(sid)
	user, _ := m.sessions.User(sid)
	m.sessions.CancelPumps(sid)
	m.sessions.Unbind(sid)
	metrics.MembersConnected.Set(float64(m.sessions.Count()))

	if bound {
		if room, live := m.rooms.Get(roomID); live {
			room.Roster.Remove(sid)
			room.Presence.Leave(sid)
			room.Bus.Publish(domain.Event{Kind: domain.EventUserLeft, Member: sid, User: user})
			if room.Roster.MemberCount() == 0 {
				m.scheduleLinger(room)
			}
		}
	}
	if sess != nil {
		sess.Conn().Close()
	}
	log.Info().Str("module", "app.manager").Str("sid", string(sid)).Msg("session closed")
}

// HandleOp funnels one storage operation through the room's merge engine
// and relays the outcome: ack to the originator, broadcast plus domain
// event to the room. Stale ops are absorbed silently.
func (m *Manager) HandleOp(sid domain.MemberID, op domain.StorageOp) {
	roomID, sess, room, user, ok := m.syncedSession(sid)
	if !ok {
		return
	}
	if err := protocol.ValidateOp(op); err != nil {
		metrics.OpsRejected.WithLabelValues(string(op.Kind)).Inc()
		m.send(sess.Conn(), protocol.OpErrPayload{
			Type: protocol.MsgOpErr, ID: op.ID, Code: protocol.CodeInvalidOp, Reason: err.Error(),
		})
		return
	}

	room.opMu.Lock()
	acc, err := room.Engine.Apply(op, user.ID)
	if err != nil {
		room.opMu.Unlock()
		if errors.Is(err, store.ErrStale) {
			metrics.OpsStale.Inc()
			log.Debug().Str("module", "app.manager").Str("sid", string(sid)).
				Str("annotation", string(op.ID)).Msg("stale op dropped")
			return
		}
		metrics.OpsRejected.WithLabelValues(string(op.Kind)).Inc()
		m.send(sess.Conn(), protocol.OpErrPayload{
			Type: protocol.MsgOpErr, ID: op.ID, Code: protocol.CodeInvalidOp, Reason: err.Error(),
		})
		return
	}

	m.send(sess.Conn(), protocol.OpOKPayload{Type: protocol.MsgOpOK, ID: op.ID, Version: acc.Version})
	frame, merr := protocol.Marshal(protocol.OpBroadcastPayload{Type: protocol.MsgOp, Op: acc})
	var res core.PublishResult
	if merr == nil {
		res = room.Roster.Broadcast(sid, core.Frame(frame))
	}
	room.opMu.Unlock()

	metrics.OpsApplied.WithLabelValues(string(op.Kind)).Inc()
	m.sessions.SetAck(sid, acc.Version)
	room.Bus.Publish(eventFor(acc))
	if len(res.Dropped) > 0 {
		m.handleDropped(roomID, res.Dropped)
	}
	m.maybeCompact(room)
}

func eventFor(acc domain.AcceptedOp) domain.Event {
	var kind domain.EventKind
	switch acc.Op.Kind {
	case domain.OpInsert:
		kind = domain.EventAnnotationCreated
	case domain.OpUpdate:
		kind = domain.EventAnnotationUpdated
	case domain.OpDelete:
		kind = domain.EventAnnotationDeleted
	}
	return domain.Event{
		Kind:       kind,
		Annotation: acc.Op.ID,
		Member:     acc.Op.Stamp.Actor,
		Version:    acc.Version,
	}
}

// HandlePresence overwrites the provided fields of the member's presence
// and queues a coalesced delta to peers. Delivery is best-effort; the next
// delta supersedes a lost one.
func (m *Manager) HandlePresence(sid domain.MemberID, delta protocol.PresenceDelta) {
	_, _, room, _, ok := m.syncedSession(sid)
	if !ok {
		return
	}
	metrics.PresenceDeltas.Inc()
	room.Presence.Set(sid, delta)
}

// HandleAck records the member's last-acknowledged storage version, which
// feeds reconnect catch-up and op-log compaction.
func (m *Manager) HandleAck(sid domain.MemberID, version uint64) {
	m.sessions.SetAck(sid, version)
}

// CreateThread opens a thread, optionally attached to an annotation, and
// announces it to the whole room (originator included, so it learns the id).
func (m *Manager) CreateThread(sid domain.MemberID, annotation *domain.AnnotationID) {
	roomID, _, room, user, ok := m.syncedSession(sid)
	if !ok {
		return
	}
	th := room.Threads.Create(annotation, user.ID)
	m.broadcastThread(roomID, room, protocol.ThreadPayload{
		Type: protocol.MsgThread, Action: protocol.ThreadActionCreated, Thread: th,
	})
}

func (m *Manager) AddComment(sid domain.MemberID, threadID domain.ThreadID, text string) {
	roomID, sess, room, user, ok := m.syncedSession(sid)
	if !ok {
		return
	}
	c, err := room.Threads.AddComment(threadID, user.ID, text)
	if err != nil {
		m.sendError(sess.Conn(), protocol.CodeInvalidOp, err.Error(), false)
		return
	}
	th, _ := room.Threads.Get(threadID)
	m.broadcastThread(roomID, room, protocol.ThreadPayload{
		Type: protocol.MsgThread, Action: protocol.ThreadActionComment, Thread: th, Comment: &c,
	})
}

// ResolveThread and ReopenThread are idempotent; repeats change nothing
// and announce nothing.
func (m *Manager) ResolveThread(sid domain.MemberID, threadID domain.ThreadID) {
	m.flagThread(sid, threadID, true)
}

func (m *Manager) ReopenThread(sid domain.MemberID, threadID domain.ThreadID) {
	m.flagThread(sid, threadID, false)
}

func (m *Manager) flagThread(sid domain.MemberID, threadID domain.ThreadID, resolved bool) {
	roomID, sess, room, _, ok := m.syncedSession(sid)
	if !ok {
		return
	}
	var (
		changed bool
		err     error
		action  string
	)
	if resolved {
		changed, err = room.Threads.Resolve(threadID)
		action = protocol.ThreadActionResolved
	} else {
		changed, err = room.Threads.Reopen(threadID)
		action = protocol.ThreadActionReopened
	}
	if err != nil {
		m.sendError(sess.Conn(), protocol.CodeInvalidOp, err.Error(), false)
		return
	}
	if !changed {
		return
	}
	th, _ := room.Threads.Get(threadID)
	m.broadcastThread(roomID, room, protocol.ThreadPayload{
		Type: protocol.MsgThread, Action: action, Thread: th,
	})
}

// Shutdown persists every live room. Called on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, room := range m.rooms.Rooms() {
		if err := m.snapshots.Save(ctx, room.ID, room.DumpState()); err != nil {
			metrics.SnapshotSaves.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("module", "app.manager").Str("room", string(room.ID)).Msg("shutdown persist failed")
			continue
		}
		metrics.SnapshotSaves.WithLabelValues("ok").Inc()
	}
}

func (m *Manager) syncedSession(sid domain.MemberID) (domain.RoomID, core.MemberSession, *Room, *domain.User, bool) {
	st, ok := m.sessions.State(sid)
	if !ok || st != StateSynced {
		return "", nil, nil, nil, false
	}
	roomID, sess, ok := m.sessions.RoomOf(sid)
	if !ok {
		return "", nil, nil, nil, false
	}
	room, live := m.rooms.Get(roomID)
	if !live {
		return "", nil, nil, nil, false
	}
	user, _ := m.sessions.User(sid)
	return roomID, sess, room, user, true
}

func (m *Manager) memberInfos(room *Room) []protocol.MemberInfo {
	members := room.Roster.MembersSnapshot()
	pres := room.Presence.Roster()
	infos := make([]protocol.MemberInfo, 0, len(members))
	for _, mem := range members {
		infos = append(infos, protocol.MemberInfo{
			ID:       mem.ID,
			User:     mem.User,
			Presence: pres[mem.ID],
		})
	}
	return infos
}

func (m *Manager) buildSnapshot(room *Room, sid domain.MemberID, resume string) protocol.SnapshotPayload {
	return protocol.SnapshotPayload{
		Type:        protocol.MsgSnapshot,
		Room:        room.ID,
		Self:        sid,
		Resume:      resume,
		Version:     room.Engine.Version(),
		Clock:       room.Engine.Clock(),
		Annotations: room.Engine.Snapshot(),
		Members:     m.memberInfos(room),
		Threads:     room.Threads.List(),
	}
}

func (m *Manager) broadcastThread(roomID domain.RoomID, room *Room, payload protocol.ThreadPayload) {
	frame, err := protocol.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.manager").Msg("marshal thread payload")
		return
	}
	res := room.Roster.Broadcast("", core.Frame(frame))
	if len(res.Dropped) > 0 {
		m.handleDropped(roomID, res.Dropped)
	}
}

func (m *Manager) broadcastPresence(room *Room, from domain.MemberID, delta protocol.PresenceDelta) {
	frame, err := protocol.Marshal(protocol.PresenceBroadcastPayload{
		Type: protocol.MsgPresence, Member: from, Delta: delta,
	})
	if err != nil {
		return
	}
	res := room.Roster.Broadcast(from, core.Frame(frame))
	if len(res.Dropped) > 0 {
		m.handleDropped(room.ID, res.Dropped)
	}
}

// handleDropped applies the backpressure policy to members whose send
// buffers overflowed. Delivery failure to one member never blocks the
// others; by default the member is resynchronized via RECONNECTING.
func (m *Manager) handleDropped(roomID domain.RoomID, dropped []domain.MemberID) {
	for _, sid := range dropped {
		st, ok := m.sessions.State(sid)
		if !ok || st != StateSynced {
			continue
		}
		switch m.policy.OnBackPressure(roomID, sid) {
		case MarkReconnecting:
			if _, sess, ok := m.sessions.RoomOf(sid); ok && sess != nil {
				sess.Conn().Close()
			}
			m.Disconnect(sid)
		case Kick:
			m.CloseSession(sid)
		case NoAction, DropFrame:
		}
	}
}

func (m *Manager) maybeCompact(room *Room) {
	if !room.Engine.NeedsCompaction() {
		return
	}
	if floor, ok := m.sessions.MinAck(room.ID); ok {
		if dropped := room.Engine.Compact(floor); dropped > 0 {
			log.Debug().Str("module", "app.manager").Str("room", string(room.ID)).
				Int("dropped", dropped).Uint64("floor", floor).Msg("op log compacted")
		}
	}
}

func (m *Manager) scheduleLinger(room *Room) {
	room.opMu.Lock()
	defer room.opMu.Unlock()
	if room.linger != nil {
		room.linger.Stop()
	}
	if m.cfg.RoomLinger <= 0 {
		room.linger = nil
		go m.teardownRoom(room)
		return
	}
	room.linger = time.AfterFunc(m.cfg.RoomLinger, func() { m.teardownRoom(room) })
}

func (m *Manager) stopLinger(room *Room) {
	room.opMu.Lock()
	defer room.opMu.Unlock()
	if room.linger != nil {
		room.linger.Stop()
		room.linger = nil
	}
}

// persistRetryDelay floors the re-attempt interval after a failed room
// persist so a broken durable store is not hammered.
const persistRetryDelay = 5 * time.Second

// teardownRoom persists and forgets an empty room. On persistence failure
// the room stays in memory and another attempt is scheduled, so
// collaboration state is never dropped on the floor.
func (m *Manager) teardownRoom(room *Room) {
	if room.Roster.MemberCount() > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.snapshots.Save(ctx, room.ID, room.DumpState()); err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("module", "app.manager").Str("room", string(room.ID)).Msg("room persist failed, retrying later")
		delay := m.cfg.RoomLinger
		if delay < persistRetryDelay {
			delay = persistRetryDelay
		}
		room.opMu.Lock()
		if room.linger != nil {
			room.linger.Stop()
		}
		room.linger = time.AfterFunc(delay, func() { m.teardownRoom(room) })
		room.opMu.Unlock()
		return
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()

	// A member may have joined while the save was in flight; removing the
	// room would strand its SYNCED session on an orphaned instance. The
	// re-check and the dead flag share opMu with the join path.
	room.opMu.Lock()
	if room.Roster.MemberCount() > 0 {
		room.opMu.Unlock()
		return
	}
	room.dead = true
	room.opMu.Unlock()
	m.rooms.Remove(room.ID)
}

func (m *Manager) send(conn core.ClientConn, v any) {
	frame, err := protocol.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.manager").Msg("marshal payload")
		return
	}
	if err := conn.TrySend(core.Frame(frame)); err != nil {
		log.Debug().Err(err).Str("module", "app.manager").Msg("send failed")
	}
}

func (m *Manager) sendError(conn core.ClientConn, code, msg string, retryable bool) {
	m.send(conn, protocol.ErrorPayload{Type: protocol.MsgError, Code: code, Message: msg, Retryable: retryable})
}
