package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Handle decodes one inbound frame from connID, checks the precondition of
// its kind and dispatches it. A malformed frame earns the sender an error
// envelope; an unknown type is logged and dropped. Handle blocks while the
// frame's store calls run, so callers invoke it from the connection's own
// read goroutine.
func (h *Hub) Handle(ctx context.Context, connID string, raw []byte) {
	in, err := Decode(raw)
	switch {
	case errors.Is(err, ErrUnknownType):
		h.metrics.Envelope("unknown", "dropped")
		h.log.Info("ignoring envelope of unknown type", zap.String("conn_id", connID), zap.Error(err))
		return
	case err != nil:
		h.metrics.Envelope("invalid", "malformed")
		h.log.Warn("malformed envelope", zap.String("conn_id", connID), zap.Error(err))
		h.do(func() {
			if c, ok := h.conns.Get(connID); ok {
				h.sendError(c, "Invalid message format")
			}
		})
		return
	}

	if !h.admit(connID, in) {
		return
	}
	h.metrics.Envelope(in.Kind.String(), "accepted")

	if in.Kind.IsSignaling() {
		h.relay(connID, in)
		return
	}
	switch in.Kind {
	case KindAuthenticate:
		h.authenticate(ctx, connID, in)
	case KindJoinRoom:
		h.joinRoom(ctx, connID, in)
	case KindLeaveRoom:
		h.leaveRoom(ctx, connID)
	case KindChatMessage:
		h.chatMessage(ctx, connID, in)
	default:
		h.log.Error("no handler for envelope kind", zap.Stringer("kind", in.Kind))
	}
}

// admit checks the connection against in.Kind's precondition and answers
// a refusal with an error envelope. A join-room may first bind a legacy
// identity when that is enabled.
func (h *Hub) admit(connID string, in Inbound) bool {
	admitted := false
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok {
			return
		}
		if in.Kind == KindJoinRoom && !c.Authenticated() && h.opts.LegacyIdentity {
			if name := strings.TrimSpace(in.Username); name != "" {
				h.bindLegacy(c, name)
			}
		}
		p := in.Kind.Precondition()
		if !h.satisfies(c, p) {
			h.rejectPrecondition(c, in.Kind, p)
			return
		}
		admitted = true
	})
	return admitted
}

func (h *Hub) satisfies(c *Connection, p Precondition) bool {
	switch p {
	case RequiresNothing:
		return true
	case RequiresInRoom:
		return c.Authenticated() && h.inRoom(c)
	default:
		return c.Authenticated()
	}
}

// rejectPrecondition tells c that an envelope of kind k was refused because
// the connection is not in the state p.
func (h *Hub) rejectPrecondition(c *Connection, k Kind, p Precondition) {
	var text string
	switch p {
	case RequiresInRoom:
		text = fmt.Sprintf("%s requires joining a room", k)
	default:
		text = fmt.Sprintf("%s requires authentication", k)
	}
	h.metrics.Envelope(k.String(), "rejected")
	h.log.Debug("envelope rejected",
		zap.String("conn_id", c.ID),
		zap.String("type", k.String()),
		zap.String("reason", text))
	h.sendError(c, text)
}
