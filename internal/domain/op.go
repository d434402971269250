package domain

import (
	"encoding/json"
	"time"
)

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// StorageOp is one mutation of the shared annotation store. The id is
// client-generated at creation so the client can apply optimistically;
// the stamp is the client's Lamport clock at send time.
type StorageOp struct {
	Kind   OpKind                     `json:"kind"`
	ID     AnnotationID               `json:"id"`
	Shape  ShapeKind                  `json:"shape,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
	Stamp  Stamp                      `json:"stamp"`
}

// AcceptedOp is a storage op the engine has merged, tagged with the
// room's server-assigned version for catch-up and event ordering.
type AcceptedOp struct {
	Op      StorageOp `json:"op"`
	Version uint64    `json:"version"`
	User    UserID    `json:"user"`
	At      time.Time `json:"at"`
}
