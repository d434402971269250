// Package identity resolves user ids to display profiles. There is no
// account database; profiles are derived, then overridden by the join
// payload when the client supplies a name or color.
package identity

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/bugcanvas/annotsync/internal/domain"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
}

// Static hands out stable guest profiles keyed by user id. Lookup never
// fails; an unknown id gets a generated guest profile that is remembered
// for the life of the process.
type Static struct {
	mu    sync.Mutex
	known map[domain.UserID]domain.User
}

func NewStatic() *Static {
	return &Static{known: make(map[domain.UserID]domain.User)}
}

func (s *Static) Lookup(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.known[id]; ok {
		cp := u
		return &cp, nil
	}

	u := domain.User{
		ID:    id,
		Name:  guestName(id),
		Color: palette[hashID(id)%uint32(len(palette))],
	}
	s.known[id] = u
	cp := u
	return &cp, nil
}

func guestName(id domain.UserID) string {
	s := string(id)
	if rest, ok := strings.CutPrefix(s, "anon:"); ok {
		if len(rest) > 8 {
			rest = rest[:8]
		}
		return "Guest " + rest
	}
	return s
}

func hashID(id domain.UserID) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}
