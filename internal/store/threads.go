package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bugcanvas/annotsync/internal/domain"
)

var (
	ErrUnknownThread = errors.New("unknown thread id")
	ErrEmptyComment  = errors.New("comment text empty")
)

// Threads holds a room's comment threads. It is a separate mutation path
// from the annotation CRDT: server-ordered, append-only comments, and an
// idempotent resolved flag. Deleting an annotation never cascades here.
type Threads struct {
	mu    sync.RWMutex
	byID  map[domain.ThreadID]*domain.Thread
	order []domain.ThreadID
}

func NewThreads() *Threads {
	return &Threads{byID: make(map[domain.ThreadID]*domain.Thread)}
}

// Restore seeds the set from persisted threads, keeping the stored order.
func (t *Threads) Restore(threads []domain.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range threads {
		th := threads[i]
		th.Comments = append([]domain.Comment(nil), th.Comments...)
		t.byID[th.ID] = &th
		t.order = append(t.order, th.ID)
	}
}

// Create opens a thread, optionally attached to an annotation id. The
// reference is not validated against live annotations: threads on deleted
// or not-yet-synced annotations are legal.
func (t *Threads) Create(annotation *domain.AnnotationID, by domain.UserID) domain.Thread {
	t.mu.Lock()
	defer t.mu.Unlock()

	th := &domain.Thread{
		ID:        domain.ThreadID(uuid.NewString()),
		Resolved:  false,
		CreatedBy: by,
		CreatedAt: time.Now().UTC(),
	}
	if annotation != nil {
		id := *annotation
		th.Annotation = &id
	}
	t.byID[th.ID] = th
	t.order = append(t.order, th.ID)
	return copyThread(th)
}

// AddComment appends to a thread. Comments have no edit or delete path.
func (t *Threads) AddComment(id domain.ThreadID, author domain.UserID, text string) (domain.Comment, error) {
	if text == "" {
		return domain.Comment{}, ErrEmptyComment
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	th, ok := t.byID[id]
	if !ok {
		return domain.Comment{}, ErrUnknownThread
	}
	c := domain.Comment{
		ID:     domain.CommentID(uuid.NewString()),
		Author: author,
		Text:   text,
		At:     time.Now().UTC(),
	}
	th.Comments = append(th.Comments, c)
	return c, nil
}

// Resolve flips the resolved flag on. Idempotent: the bool return reports
// whether anything changed.
func (t *Threads) Resolve(id domain.ThreadID) (bool, error) {
	return t.setResolved(id, true)
}

// Reopen flips the resolved flag off.
func (t *Threads) Reopen(id domain.ThreadID) (bool, error) {
	return t.setResolved(id, false)
}

func (t *Threads) setResolved(id domain.ThreadID, resolved bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	th, ok := t.byID[id]
	if !ok {
		return false, ErrUnknownThread
	}
	if th.Resolved == resolved {
		return false, nil
	}
	th.Resolved = resolved
	return true, nil
}

// Get returns a copy of one thread.
func (t *Threads) Get(id domain.ThreadID) (domain.Thread, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.byID[id]
	if !ok {
		return domain.Thread{}, false
	}
	return copyThread(th), true
}

// List returns copies of all threads in creation order.
func (t *Threads) List() []domain.Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Thread, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, copyThread(t.byID[id]))
	}
	return out
}

func copyThread(th *domain.Thread) domain.Thread {
	cp := *th
	cp.Comments = append([]domain.Comment(nil), th.Comments...)
	if th.Annotation != nil {
		id := *th.Annotation
		cp.Annotation = &id
	}
	return cp
}
