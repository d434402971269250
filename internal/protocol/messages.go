// Package protocol is the wire codec for the collaboration socket: JSON
// text frames, each an envelope with a "type" discriminant and a typed
// payload. One decoder dispatch table on each side of the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bugcanvas/annotsync/internal/domain"
)

type MsgType string

// Client to server.
const (
	MsgJoin          MsgType = "join"
	MsgOp            MsgType = "op"
	MsgPresence      MsgType = "presence"
	MsgThreadCreate  MsgType = "thread_create"
	MsgCommentAdd    MsgType = "comment_add"
	MsgThreadResolve MsgType = "thread_resolve"
	MsgThreadReopen  MsgType = "thread_reopen"
	MsgAck           MsgType = "ack"
	MsgLeave         MsgType = "leave"
	MsgPing          MsgType = "ping"
)

// Server to client. MsgOp and MsgPresence are reused for broadcasts; the
// directions never share a decoder.
const (
	MsgSnapshot MsgType = "snapshot"
	MsgCatchup  MsgType = "catchup"
	MsgOpOK     MsgType = "op_ok"
	MsgOpErr    MsgType = "op_err"
	MsgEvent    MsgType = "event"
	MsgThread   MsgType = "thread"
	MsgError    MsgType = "error"
	MsgLeft     MsgType = "left"
	MsgPong     MsgType = "pong"
)

// Error codes surfaced to clients. Stale ops are absorbed server-side and
// never map to a code.
const (
	CodeUnauthorized    = "unauthorized"
	CodeInvalidOp       = "invalid_operation"
	CodeRoomUnavailable = "room_unavailable"
	CodeBadMessage      = "bad_message"
)

var ErrBadMessage = errors.New("malformed message")

type Envelope struct {
	Type MsgType `json:"type"`
}

// PeekType extracts the envelope discriminant without decoding the payload.
func PeekType(data []byte) (MsgType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return env.Type, nil
}

type JoinPayload struct {
	Type        MsgType `json:"type"`
	Room        string  `json:"room"`
	UserID      string  `json:"user_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Color       string  `json:"color,omitempty"`
	Token       string  `json:"token,omitempty"`
	Resume      string  `json:"resume,omitempty"`
	LastVersion *uint64 `json:"last_version,omitempty"`
}

type OpPayload struct {
	Type MsgType          `json:"type"`
	Op   domain.StorageOp `json:"op"`
}

type PresencePayload struct {
	Type  MsgType       `json:"type"`
	Delta PresenceDelta `json:"delta"`
}

type ThreadCreatePayload struct {
	Type       MsgType              `json:"type"`
	Annotation *domain.AnnotationID `json:"annotation_id,omitempty"`
}

type CommentAddPayload struct {
	Type   MsgType         `json:"type"`
	Thread domain.ThreadID `json:"thread_id"`
	Text   string          `json:"text"`
}

type ThreadFlagPayload struct {
	Type   MsgType         `json:"type"`
	Thread domain.ThreadID `json:"thread_id"`
}

type AckPayload struct {
	Type    MsgType `json:"type"`
	Version uint64  `json:"version"`
}

// MemberInfo is the roster entry sent in snapshots and membership changes.
type MemberInfo struct {
	ID       domain.MemberID `json:"id"`
	User     *domain.User    `json:"user"`
	Presence domain.Presence `json:"presence"`
}

// SnapshotPayload is the one full state transfer a session receives, on
// entering SYNCED. All later traffic is incremental.
type SnapshotPayload struct {
	Type        MsgType             `json:"type"`
	Room        domain.RoomID       `json:"room"`
	Self        domain.MemberID     `json:"self"`
	Resume      string              `json:"resume"`
	Version     uint64              `json:"version"`
	Clock       uint64              `json:"clock"`
	Annotations []domain.Annotation `json:"annotations"`
	Members     []MemberInfo        `json:"members"`
	Threads     []domain.Thread     `json:"threads"`
}

// CatchupPayload carries exactly the storage ops a reconnecting session
// missed, plus the current roster and thread list: membership and thread
// changes have no version-ordered log, so they resync by replacement.
type CatchupPayload struct {
	Type    MsgType             `json:"type"`
	Ops     []domain.AcceptedOp `json:"ops"`
	Version uint64              `json:"version"`
	Members []MemberInfo        `json:"members"`
	Threads []domain.Thread     `json:"threads"`
}

type OpOKPayload struct {
	Type    MsgType             `json:"type"`
	ID      domain.AnnotationID `json:"id"`
	Version uint64              `json:"version"`
}

type OpBroadcastPayload struct {
	Type MsgType           `json:"type"`
	Op   domain.AcceptedOp `json:"op"`
}

type OpErrPayload struct {
	Type   MsgType             `json:"type"`
	ID     domain.AnnotationID `json:"id"`
	Code   string              `json:"code"`
	Reason string              `json:"reason"`
}

type PresenceBroadcastPayload struct {
	Type   MsgType         `json:"type"`
	Member domain.MemberID `json:"member"`
	Delta  PresenceDelta   `json:"delta"`
}

type EventPayload struct {
	Type  MsgType      `json:"type"`
	Event domain.Event `json:"event"`
}

// Thread change actions.
const (
	ThreadActionCreated  = "created"
	ThreadActionComment  = "comment"
	ThreadActionResolved = "resolved"
	ThreadActionReopened = "reopened"
)

type ThreadPayload struct {
	Type    MsgType         `json:"type"`
	Action  string          `json:"action"`
	Thread  domain.Thread   `json:"thread"`
	Comment *domain.Comment `json:"comment,omitempty"`
}

type ErrorPayload struct {
	Type      MsgType `json:"type"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Retryable bool    `json:"retryable,omitempty"`
}

// Marshal frames a payload. The payload structs carry their own type tag,
// so callers cannot send an envelope-less frame by accident.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ValidateOp rejects structurally broken ops before they reach the engine.
// The engine re-validates against merged state; this is the cheap
// transport-level gate.
func ValidateOp(op domain.StorageOp) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: op kind %q", ErrBadMessage, op.Kind)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: op without annotation id", ErrBadMessage)
	}
	if op.Stamp.Actor == "" || op.Stamp.Clock == 0 {
		return fmt.Errorf("%w: op without stamp", ErrBadMessage)
	}
	if op.Kind == domain.OpInsert && !op.Shape.Valid() {
		return fmt.Errorf("%w: insert with shape %q", ErrBadMessage, op.Shape)
	}
	if op.Kind == domain.OpUpdate && len(op.Fields) == 0 {
		return fmt.Errorf("%w: update without fields", ErrBadMessage)
	}
	return nil
}
