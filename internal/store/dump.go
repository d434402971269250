package store

import (
	"encoding/json"
	"time"

	"github.com/bugcanvas/annotsync/internal/domain"
)

// Dump is the serializable image of a room's durable collaboration state:
// the merged records including tombstones, the thread list, and the clocks
// needed to resume. The op log is not persisted; a room restored from a
// dump serves full snapshots until new ops accrue.
type Dump struct {
	RoomID  domain.RoomID `json:"room_id"`
	Version uint64        `json:"version"`
	Clock   uint64        `json:"clock"`
	Records []RecordDump  `json:"records"`
	Threads []domain.Thread `json:"threads"`
	SavedAt time.Time     `json:"saved_at"`
}

type RecordDump struct {
	ID        domain.AnnotationID  `json:"id"`
	Shape     domain.ShapeKind     `json:"shape,omitempty"`
	CreatedBy domain.UserID        `json:"created_by,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Fields    map[string]FieldDump `json:"fields,omitempty"`
	Tombstone *domain.Stamp        `json:"tombstone,omitempty"`
	MaxStamp  domain.Stamp         `json:"max_stamp"`
}

type FieldDump struct {
	Value json.RawMessage `json:"value"`
	Stamp domain.Stamp    `json:"stamp"`
}

// Dump captures the engine state for persistence. Safe to call while the
// room is live.
func (e *Engine) Dump(roomID domain.RoomID) Dump {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d := Dump{
		RoomID:  roomID,
		Version: e.version,
		Clock:   e.clock,
		Records: make([]RecordDump, 0, len(e.records)),
		SavedAt: time.Now().UTC(),
	}
	for id, rec := range e.records {
		rd := RecordDump{
			ID:        id,
			Shape:     rec.shape,
			CreatedBy: rec.createdBy,
			CreatedAt: rec.createdAt,
			UpdatedAt: rec.updatedAt,
			MaxStamp:  rec.maxField,
		}
		if rec.tomb != nil {
			t := *rec.tomb
			rd.Tombstone = &t
		}
		if len(rec.fields) > 0 {
			rd.Fields = make(map[string]FieldDump, len(rec.fields))
			for name, fe := range rec.fields {
				rd.Fields[name] = FieldDump{
					Value: append(json.RawMessage(nil), fe.raw...),
					Stamp: fe.stamp,
				}
			}
		}
		d.Records = append(d.Records, rd)
	}
	return d
}

// FromDump rebuilds an engine from persisted state. The op log starts
// empty with the floor at the restored version, so catch-up requests for
// older versions correctly fall back to a full snapshot.
func FromDump(d Dump, opts Options) *Engine {
	e := New(opts)
	e.version = d.Version
	e.floor = d.Version
	e.clock = d.Clock
	for _, rd := range d.Records {
		rec := &record{
			shape:     rd.Shape,
			createdBy: rd.CreatedBy,
			createdAt: rd.CreatedAt,
			updatedAt: rd.UpdatedAt,
			fields:    make(map[string]fieldEntry, len(rd.Fields)),
			maxField:  rd.MaxStamp,
		}
		if rd.Tombstone != nil {
			t := *rd.Tombstone
			rec.tomb = &t
		}
		for name, fd := range rd.Fields {
			rec.fields[name] = fieldEntry{
				raw:   append([]byte(nil), fd.Value...),
				stamp: fd.Stamp,
			}
		}
		e.records[rd.ID] = rec
	}
	return e
}
