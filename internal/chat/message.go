package chat

import (
	"context"

	"go.uber.org/zap"
)

func (h *Hub) chatMessage(ctx context.Context, connID string, in Inbound) {
	var (
		msg     NewMessage
		persist bool
	)
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok || !h.inRoom(c) {
			return
		}

		msg = NewMessage{
			ID:        h.newID(),
			RoomID:    c.RoomID,
			UserID:    c.UserID,
			Username:  c.Username,
			Text:      in.Message,
			Encrypted: in.Encrypted,
			SentAt:    h.now(),
		}
		delivered := h.broadcast(c.RoomID, chatEnvelope{
			Type:      KindChatMessage.String(),
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			UserID:    c.Username,
			Username:  c.Username,
			Message:   msg.Text,
			Encrypted: msg.Encrypted,
			Timestamp: msg.SentAt,
		}, "")
		h.log.Debug("chat message broadcast",
			zap.String("conn_id", c.ID),
			zap.String("room_id", c.RoomID),
			zap.Int("delivered", delivered))

		persist = !c.Legacy && c.SessionToken != ""
	})

	if persist {
		h.saveMessage(ctx, msg)
	}
}

// saveMessage records msg after it has been broadcast. A failure is logged
// and does not reach the sender.
func (h *Hub) saveMessage(ctx context.Context, msg NewMessage) {
	if h.messages == nil {
		return
	}
	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()
	if _, err := h.messages.SaveMessage(storeCtx, msg); err != nil {
		h.metrics.PersistenceFailure("save_message")
		h.log.Warn("failed to persist chat message",
			zap.String("message_id", msg.ID),
			zap.String("room_id", msg.RoomID),
			zap.Error(err))
	}
}
