package protocol

import (
	"encoding/json"

	"github.com/bugcanvas/annotsync/internal/domain"
)

// PresenceDelta is a partial overwrite of one member's presence record.
// The wire form is tri-state per field: an absent key leaves the field
// untouched, an explicit null clears it. The Has* flags record key
// presence through decode so coalescing and Apply stay faithful.
type PresenceDelta struct {
	Cursor       *domain.Point
	HasCursor    bool
	Selection    *domain.AnnotationID
	HasSelection bool
	Typing       *bool
}

func (d *PresenceDelta) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if raw, ok := m["cursor"]; ok {
		d.HasCursor = true
		d.Cursor = nil
		if string(raw) != "null" {
			var p domain.Point
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			d.Cursor = &p
		}
	}
	if raw, ok := m["selection"]; ok {
		d.HasSelection = true
		d.Selection = nil
		if string(raw) != "null" {
			var id domain.AnnotationID
			if err := json.Unmarshal(raw, &id); err != nil {
				return err
			}
			d.Selection = &id
		}
	}
	if raw, ok := m["typing"]; ok {
		var t bool
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		d.Typing = &t
	}
	return nil
}

func (d PresenceDelta) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 3)
	if d.HasCursor {
		m["cursor"] = d.Cursor
	}
	if d.HasSelection {
		m["selection"] = d.Selection
	}
	if d.Typing != nil {
		m["typing"] = *d.Typing
	}
	return json.Marshal(m)
}

// Empty reports whether the delta touches nothing.
func (d PresenceDelta) Empty() bool {
	return !d.HasCursor && !d.HasSelection && d.Typing == nil
}

// Apply overwrites only the provided fields. Last write wins per field,
// scoped to the owning member.
func (d PresenceDelta) Apply(p *domain.Presence) {
	if d.HasCursor {
		if d.Cursor == nil {
			p.Cursor = nil
		} else {
			c := *d.Cursor
			p.Cursor = &c
		}
	}
	if d.HasSelection {
		if d.Selection == nil {
			p.Selection = nil
		} else {
			s := *d.Selection
			p.Selection = &s
		}
	}
	if d.Typing != nil {
		p.Typing = *d.Typing
	}
}

// Merge folds a later delta into d, coalescing rapid successive updates
// into the most recent value per field.
func (d *PresenceDelta) Merge(later PresenceDelta) {
	if later.HasCursor {
		d.HasCursor = true
		d.Cursor = later.Cursor
	}
	if later.HasSelection {
		d.HasSelection = true
		d.Selection = later.Selection
	}
	if later.Typing != nil {
		d.Typing = later.Typing
	}
}

// ClearedDelta explicitly nulls every presence field, used when a member
// disconnects so peers drop its cursor immediately.
func ClearedDelta() PresenceDelta {
	f := false
	return PresenceDelta{HasCursor: true, HasSelection: true, Typing: &f}
}
