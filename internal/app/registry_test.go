package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
)

func bindSession(r *Registry, sid, room string) (string, *fakeConn) {
	conn := &fakeConn{}
	user := &domain.User{ID: domain.UserID("u-" + sid), Name: "n"}
	meta := domain.NewMember(domain.MemberID(sid), user)
	resume := r.Bind(domain.MemberID(sid), domain.RoomID(room), user, core.NewMemberSession(meta, conn), func() {})
	return resume, conn
}

func TestRegistryBindAndResumeToken(t *testing.T) {
	r := NewRegistry()
	resume, _ := bindSession(r, "s1", "r1")
	require.NotEmpty(t, resume)

	sid, ok := r.ByResume(resume)
	require.True(t, ok)
	assert.Equal(t, domain.MemberID("s1"), sid)

	st, ok := r.State("s1")
	require.True(t, ok)
	assert.Equal(t, StateConnecting, st)

	r.Unbind("s1")
	_, ok = r.ByResume(resume)
	assert.False(t, ok)
	_, ok = r.State("s1")
	assert.False(t, ok)
	assert.Zero(t, r.Count())
}

func TestRegistryRebindClosesOldConn(t *testing.T) {
	r := NewRegistry()
	_, oldConn := bindSession(r, "s1", "r1")

	newConn := &fakeConn{}
	require.True(t, r.RebindConn("s1", newConn, func() {}))

	assert.True(t, oldConn.Closed())
	_, sess, ok := r.RoomOf("s1")
	require.True(t, ok)
	assert.Same(t, core.ClientConn(newConn), sess.Conn())

	assert.False(t, r.RebindConn("nope", newConn, nil))
}

func TestRegistryAckMonotonic(t *testing.T) {
	r := NewRegistry()
	bindSession(r, "s1", "r1")

	r.SetAck("s1", 5)
	r.SetAck("s1", 3)
	got, ok := r.LastAck("s1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), got)
}

func TestRegistryMinAck(t *testing.T) {
	r := NewRegistry()
	bindSession(r, "s1", "r1")
	bindSession(r, "s2", "r1")
	bindSession(r, "s3", "r2")

	r.SetAck("s1", 10)
	r.SetAck("s2", 4)
	r.SetAck("s3", 1)

	min, ok := r.MinAck("r1")
	require.True(t, ok)
	assert.Equal(t, uint64(4), min)

	// Closed sessions no longer hold the floor down.
	r.SetState("s2", StateClosed)
	min, ok = r.MinAck("r1")
	require.True(t, ok)
	assert.Equal(t, uint64(10), min)

	_, ok = r.MinAck("r9")
	assert.False(t, ok)
}

func TestRegistryGraceTimer(t *testing.T) {
	r := NewRegistry()
	bindSession(r, "s1", "r1")

	fired := make(chan struct{}, 1)
	r.SetGrace("s1", 10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("grace timer did not fire")
	}

	// A stopped timer does not fire.
	r.SetGrace("s1", 20*time.Millisecond, func() { fired <- struct{}{} })
	r.StopGrace("s1")
	select {
	case <-fired:
		t.Fatal("stopped grace timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}
