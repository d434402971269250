package core

import (
	"sync"

	"github.com/bugcanvas/annotsync/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
// conn is guarded: a resume swaps it while room fan-out reads it.
type memberSession struct {
	meta *domain.Member

	mu   sync.RWMutex
	conn ClientConn
}

func NewMemberSession(meta *domain.Member, conn ClientConn) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Conn() ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *memberSession) UpdateConn(conn ClientConn) MemberSession {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return m
}
