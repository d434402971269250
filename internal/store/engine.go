// Package store implements the per-room shared annotation store: a
// key-addressed CRDT with field-wise last-writer-wins merge, tombstoned
// deletes and a server-versioned op log for incremental catch-up.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bugcanvas/annotsync/internal/domain"
)

var (
	ErrDuplicateID       = errors.New("annotation id already exists")
	ErrUnknownAnnotation = errors.New("unknown annotation id")
	ErrUnknownShape      = errors.New("unknown shape kind")
	ErrUnknownField      = errors.New("field not valid for shape")
	ErrBadOp             = errors.New("malformed storage operation")

	// ErrStale marks an operation the merge has already superseded. It is
	// expected under concurrency and callers drop it silently.
	ErrStale = errors.New("operation superseded")
)

// Options tune merge policy and log retention.
type Options struct {
	// UpdateBeatsTombstoneTies flips the update-vs-delete tie break at
	// equal logical clocks. The default (false) lets deletes win ties so
	// removed work is not resurrected by a concurrent edit.
	UpdateBeatsTombstoneTies bool

	// LogSoftLimit is the op-log length above which Compact is worth
	// calling. Zero means the default.
	LogSoftLimit int
}

const defaultLogSoftLimit = 4096

type fieldEntry struct {
	raw   []byte
	stamp domain.Stamp
}

// record is the merged state of one annotation id. Tombstones are retained
// forever so late-arriving concurrent operations stay idempotent.
type record struct {
	shape     domain.ShapeKind
	createdBy domain.UserID
	createdAt time.Time
	updatedAt time.Time
	fields    map[string]fieldEntry
	tomb      *domain.Stamp
	maxField  domain.Stamp
}

// live applies the delete-precedence rule: the record is visible when no
// tombstone exists or some accepted edit logically follows it. The
// comparison is on clocks only, so a delete beats an update at the same
// logical time regardless of actor (unless configured otherwise).
func (r *record) live(updateBeatsTies bool) bool {
	if r.tomb == nil {
		return r.shape != ""
	}
	if updateBeatsTies {
		return r.maxField.Clock >= r.tomb.Clock
	}
	return r.maxField.Clock > r.tomb.Clock
}

// Engine is the single source of truth for one room's annotations. Merge is
// internally synchronized; every method is safe for concurrent use and does
// no I/O under the lock.
type Engine struct {
	mu   sync.RWMutex
	opts Options

	records map[domain.AnnotationID]*record

	// log holds accepted ops from floor+1 up to version, for catch-up.
	log     []domain.AcceptedOp
	floor   uint64
	version uint64
	clock   uint64
}

func New(opts Options) *Engine {
	if opts.LogSoftLimit <= 0 {
		opts.LogSoftLimit = defaultLogSoftLimit
	}
	return &Engine{
		opts:    opts,
		records: make(map[domain.AnnotationID]*record),
	}
}

// Apply validates op against the merged state and folds it in. It returns
// the accepted op stamped with the room version, ErrStale when the merge
// has already superseded it, or a validation error (state untouched).
func (e *Engine) Apply(op domain.StorageOp, user domain.UserID) (domain.AcceptedOp, error) {
	if !op.Kind.Valid() || op.ID == "" || op.Stamp.Actor == "" {
		return domain.AcceptedOp{}, ErrBadOp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if op.Stamp.Clock > e.clock {
		e.clock = op.Stamp.Clock
	}

	var err error
	switch op.Kind {
	case domain.OpInsert:
		err = e.applyInsert(op, user)
	case domain.OpUpdate:
		err = e.applyUpdate(op)
	case domain.OpDelete:
		err = e.applyDelete(op)
	}
	if err != nil {
		return domain.AcceptedOp{}, err
	}

	e.version++
	acc := domain.AcceptedOp{Op: op, Version: e.version, User: user, At: time.Now().UTC()}
	e.log = append(e.log, acc)
	return acc, nil
}

func (e *Engine) applyInsert(op domain.StorageOp, user domain.UserID) error {
	if !op.Shape.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownShape, op.Shape)
	}
	if _, exists := e.records[op.ID]; exists {
		// Ids are globally unique by construction; a collision is a client
		// bug surfaced as an error, not silently merged.
		return fmt.Errorf("%w: %s", ErrDuplicateID, op.ID)
	}
	for name := range op.Fields {
		if !op.Shape.AllowsField(name) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, op.Shape, name)
		}
	}

	rec := &record{
		shape:     op.Shape,
		createdBy: user,
		createdAt: time.Now().UTC(),
		updatedAt: time.Now().UTC(),
		fields:    make(map[string]fieldEntry, len(op.Fields)),
		maxField:  op.Stamp,
	}
	for name, raw := range op.Fields {
		rec.fields[name] = fieldEntry{raw: append([]byte(nil), raw...), stamp: op.Stamp}
	}
	e.records[op.ID] = rec
	return nil
}

func (e *Engine) applyUpdate(op domain.StorageOp) error {
	rec, ok := e.records[op.ID]
	if !ok || rec.shape == "" {
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, op.ID)
	}
	if len(op.Fields) == 0 {
		return fmt.Errorf("%w: update without fields", ErrBadOp)
	}
	for name := range op.Fields {
		if !rec.shape.AllowsField(name) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, rec.shape, name)
		}
	}

	// Fields merge independently: concurrent edits to disjoint fields of
	// one annotation both survive. Per field the higher (clock, actor)
	// stamp wins.
	changed := 0
	for name, raw := range op.Fields {
		cur, exists := rec.fields[name]
		if exists && !op.Stamp.After(cur.stamp) {
			continue
		}
		rec.fields[name] = fieldEntry{raw: append([]byte(nil), raw...), stamp: op.Stamp}
		changed++
	}
	if changed == 0 {
		return ErrStale
	}
	rec.maxField = rec.maxField.Max(op.Stamp)
	rec.updatedAt = time.Now().UTC()
	return nil
}

func (e *Engine) applyDelete(op domain.StorageOp) error {
	rec, ok := e.records[op.ID]
	if !ok {
		// A delete may outrun knowledge of its insert (e.g. replayed after
		// snapshot load). Record a bare tombstone so it stays idempotent.
		stamp := op.Stamp
		e.records[op.ID] = &record{tomb: &stamp, fields: make(map[string]fieldEntry)}
		return nil
	}
	if rec.tomb != nil && !op.Stamp.After(*rec.tomb) {
		return ErrStale
	}
	stamp := op.Stamp
	rec.tomb = &stamp
	return nil
}

// Snapshot returns a consistent view of all live annotations, sorted by id
// so two converged engines compare field-for-field.
func (e *Engine) Snapshot() []domain.Annotation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Annotation, 0, len(e.records))
	for id, rec := range e.records {
		if !rec.live(e.opts.UpdateBeatsTombstoneTies) {
			continue
		}
		a := domain.Annotation{
			ID:        id,
			Shape:     rec.shape,
			Fields:    make(map[string]json.RawMessage, len(rec.fields)),
			CreatedBy: rec.createdBy,
			CreatedAt: rec.createdAt,
			UpdatedAt: rec.updatedAt,
		}
		for name, fe := range rec.fields {
			a.Fields[name] = append(json.RawMessage(nil), fe.raw...)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SinceVersion returns the accepted ops after v in acceptance order. The
// second return is false when the gap predates the retained log and the
// caller must fall back to a full snapshot.
func (e *Engine) SinceVersion(v uint64) ([]domain.AcceptedOp, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if v < e.floor || v > e.version {
		return nil, false
	}
	out := make([]domain.AcceptedOp, 0, e.version-v)
	for _, acc := range e.log {
		if acc.Version > v {
			out = append(out, acc)
		}
	}
	return out, true
}

// Version is the last server-assigned op version for this room.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Clock is the highest Lamport counter the engine has merged. Newcomers
// seed their local clock from it.
func (e *Engine) Clock() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clock
}

func (e *Engine) LogLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.log)
}

// NeedsCompaction reports whether the op log has outgrown its soft limit.
func (e *Engine) NeedsCompaction() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.log) > e.opts.LogSoftLimit
}

// Compact drops log entries at or below upTo, which must be the lowest
// last-acknowledged version across live sessions. Sessions whose gap
// predates the new floor fall back to snapshots. Returns entries dropped.
func (e *Engine) Compact(upTo uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if upTo <= e.floor {
		return 0
	}
	if upTo > e.version {
		upTo = e.version
	}
	kept := e.log[:0]
	dropped := 0
	for _, acc := range e.log {
		if acc.Version <= upTo {
			dropped++
			continue
		}
		kept = append(kept, acc)
	}
	e.log = kept
	e.floor = upTo
	return dropped
}
