package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/protocol"
	"github.com/bugcanvas/annotsync/internal/store"
)

// fakeConn records every frame; flipping full simulates a saturated send
// buffer.
type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("send buffer full")
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) SetFull(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = v
}

// framesOf returns the decoded payloads of the given type, in arrival order.
func framesOf(t *testing.T, c *fakeConn, want protocol.MsgType) [][]byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, f := range c.frames {
		mt, err := protocol.PeekType(f)
		require.NoError(t, err)
		if mt == want {
			out = append(out, append([]byte(nil), f...))
		}
	}
	return out
}

func decodeLast[T any](t *testing.T, frames [][]byte) T {
	t.Helper()
	require.NotEmpty(t, frames)
	var v T
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &v))
	return v
}

type allowAll struct{}

func (allowAll) CanJoinRoom(context.Context, core.JoinRequest) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) CanJoinRoom(context.Context, core.JoinRequest) (bool, error) { return false, nil }

type stubDirectory struct{}

func (stubDirectory) Lookup(_ context.Context, id domain.UserID) (*domain.User, error) {
	return &domain.User{ID: id, Name: "User " + string(id), Color: "#123456"}, nil
}

// memStore is the durable-store fake; failSave makes every Save error,
// saveDelay stretches the write to widen races around teardown.
type memStore struct {
	mu        sync.Mutex
	dumps     map[domain.RoomID]store.Dump
	saves     int
	failSave  bool
	saveDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{dumps: make(map[domain.RoomID]store.Dump)}
}

func (s *memStore) Save(_ context.Context, room domain.RoomID, d store.Dump) error {
	s.mu.Lock()
	delay := s.saveDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSave {
		return errors.New("store down")
	}
	s.dumps[room] = d
	return nil
}

func (s *memStore) Load(_ context.Context, room domain.RoomID) (*store.Dump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dumps[room]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *memStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) Dump(room domain.RoomID) (store.Dump, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dumps[room]
	return d, ok
}

func newTestManager(cfg Config, snapshots core.SnapshotStore) *Manager {
	if snapshots == nil {
		snapshots = newMemStore()
	}
	return NewManager(cfg, allowAll{}, stubDirectory{}, snapshots, store.Options{}, nil)
}

// join connects a fresh session and returns its snapshot.
func join(t *testing.T, m *Manager, room, user, conn string) (domain.MemberID, *fakeConn, protocol.SnapshotPayload) {
	t.Helper()
	c := &fakeConn{}
	sid, err := m.Connect(context.Background(), domain.MemberID(conn), c,
		protocol.JoinPayload{Type: protocol.MsgJoin, Room: room, UserID: user}, func() {})
	require.NoError(t, err)
	snap := decodeLast[protocol.SnapshotPayload](t, framesOf(t, c, protocol.MsgSnapshot))
	return sid, c, snap
}

func insertOp(id string, clock uint64, actor domain.MemberID) domain.StorageOp {
	return domain.StorageOp{
		Kind:  domain.OpInsert,
		ID:    domain.AnnotationID(id),
		Shape: domain.ShapeRectangle,
		Fields: map[string]json.RawMessage{
			"x": json.RawMessage("1"), "y": json.RawMessage("2"),
		},
		Stamp: domain.Stamp{Clock: clock, Actor: actor},
	}
}
