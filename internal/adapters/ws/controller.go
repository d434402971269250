package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/app"
	"github.com/bugcanvas/annotsync/internal/config"
	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/protocol"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	rateLimitWarnCap  = 1000
	disconnectOnAbuse = true
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Controller owns the websocket endpoint: it upgrades, runs the pumps,
// expects a join envelope first, then dispatches frames into the manager.
type Controller struct {
	Mgr *app.Manager
	Cfg *config.Config
}

func NewController(mgr *app.Manager, cfg *config.Config) *Controller {
	return &Controller{Mgr: mgr, Cfg: cfg}
}

func (ctl *Controller) HandleWS(parent context.Context, c *gin.Context) {
	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}

	// Connection id, not user id: one user may hold several connections.
	connID := domain.MemberID(uuid.NewString())
	conn := newWSConn(wsc, ctl.Cfg.SendBuffer)
	ctx, cancel := context.WithCancel(parent)

	log.Info().Str("module", "adapters.ws").Str("conn", string(connID)).
		Str("client_token", c.GetString("client_token")).Msg("ws connection")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, connID, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.Cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = (pongWait * 9) / 10
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, connID domain.MemberID, c *wsConn) {
	var sid domain.MemberID // set once the join is accepted

	defer func() {
		cancel()
		if sid != "" {
			ctl.Mgr.Disconnect(sid)
		}
		c.Close()
	}()

	if ctl.Cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.Cfg.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	rl := newLimiter(ctl.Cfg.RateLimit, ctl.Cfg.RateInterval)
	warnings := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("module", "adapters.ws").Str("conn", string(connID)).Msg("read error")
			}
			return
		}

		if !rl.Allow() {
			warnings++
			if warnings%100 == 1 {
				log.Warn().Str("module", "adapters.ws").Str("conn", string(connID)).
					Int("warnings", warnings).Msg("rate limit exceeded")
			}
			if disconnectOnAbuse && warnings > rateLimitWarnCap {
				return
			}
			continue
		}

		if sid == "" {
			joined, ok := ctl.handleJoin(ctx, connID, c, cancel, data)
			if !ok {
				return
			}
			sid = joined
			continue
		}
		if !ctl.dispatch(sid, c, data) {
			sid = "" // graceful leave: session already closed
			return
		}
	}
}

// handleJoin admits the connection. The first frame must be a join
// envelope; anything else, or a denied join, ends the connection.
func (ctl *Controller) handleJoin(ctx context.Context, connID domain.MemberID, c *wsConn, cancel context.CancelFunc, data []byte) (domain.MemberID, bool) {
	t, err := protocol.PeekType(data)
	if err != nil || t != protocol.MsgJoin {
		ctl.sendError(c, protocol.CodeBadMessage, "expected join", false)
		return "", false
	}
	var p protocol.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, protocol.CodeBadMessage, "bad join payload", false)
		return "", false
	}

	sid, err := ctl.Mgr.Connect(ctx, connID, c, p, cancel)
	if err != nil {
		// The manager already sent the explicit error response.
		log.Info().Err(err).Str("module", "adapters.ws").Str("conn", string(connID)).Msg("join rejected")
		return "", false
	}
	return sid, true
}

// dispatch routes one frame. Returns false when the session ended.
func (ctl *Controller) dispatch(sid domain.MemberID, c *wsConn, data []byte) bool {
	t, err := protocol.PeekType(data)
	if err != nil {
		ctl.sendError(c, protocol.CodeBadMessage, err.Error(), false)
		return true
	}

	switch t {
	case protocol.MsgOp:
		var p protocol.OpPayload
		if err := json.Unmarshal(data, &p); err != nil {
			ctl.sendError(c, protocol.CodeBadMessage, "bad op payload", false)
			return true
		}
		ctl.Mgr.HandleOp(sid, p.Op)

	case protocol.MsgPresence:
		var p protocol.PresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			ctl.sendError(c, protocol.CodeBadMessage, "bad presence payload", false)
			return true
		}
		ctl.Mgr.HandlePresence(sid, p.Delta)

	case protocol.MsgThreadCreate:
		var p protocol.ThreadCreatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			ctl.sendError(c, protocol.CodeBadMessage, "bad thread payload", false)
			return true
		}
		ctl.Mgr.CreateThread(sid, p.Annotation)

	case protocol.MsgCommentAdd:
		var p protocol.CommentAddPayload
		if err := json.Unmarshal(data, &p); err != nil {
			ctl.sendError(c, protocol.CodeBadMessage, "bad comment payload", false)
			return true
		}
		ctl.Mgr.AddComment(sid, p.Thread, p.Text)

	case protocol.MsgThreadResolve:
		var p protocol.ThreadFlagPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		ctl.Mgr.ResolveThread(sid, p.Thread)

	case protocol.MsgThreadReopen:
		var p protocol.ThreadFlagPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		ctl.Mgr.ReopenThread(sid, p.Thread)

	case protocol.MsgAck:
		var p protocol.AckPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return true
		}
		ctl.Mgr.HandleAck(sid, p.Version)

	case protocol.MsgPing:
		frame, _ := protocol.Marshal(protocol.Envelope{Type: protocol.MsgPong})
		_ = c.TrySend(core.Frame(frame))

	case protocol.MsgLeave:
		ctl.Mgr.Leave(sid)
		return false

	default:
		log.Debug().Str("module", "adapters.ws").Str("type", string(t)).Msg("unknown message type")
	}
	return true
}

func (ctl *Controller) sendError(c *wsConn, code, msg string, retryable bool) {
	frame, err := protocol.Marshal(protocol.ErrorPayload{
		Type: protocol.MsgError, Code: code, Message: msg, Retryable: retryable,
	})
	if err != nil {
		return
	}
	_ = c.TrySend(core.Frame(frame))
}
