package chat

import (
	"go.uber.org/zap"
)

// relay forwards a signaling envelope to a live connection bound to its
// targetUserId. The payload is opaque apart from fromUserId and timestamp.
// A target that fails the send is dropped and the next connection of that
// user is tried; when none is left the sender is told.
func (h *Hub) relay(connID string, in Inbound) {
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok {
			return
		}

		payload, err := in.relayed(c.Username, h.now())
		if err != nil {
			h.log.Error("failed to encode relayed envelope", zap.String("conn_id", c.ID), zap.Error(err))
			return
		}

		for {
			target, ok := h.conns.FindByUsername(in.TargetUserID)
			if !ok {
				h.metrics.RelayMiss()
				h.log.Debug("relay target not found",
					zap.String("conn_id", c.ID),
					zap.String("type", in.Kind.String()),
					zap.String("target", in.TargetUserID))
				h.sendError(c, "Target user not found")
				return
			}
			if h.sendRaw(target, payload) {
				h.log.Debug("signaling relayed",
					zap.String("type", in.Kind.String()),
					zap.String("from", c.Username),
					zap.String("to", target.Username))
				return
			}
		}
	})
}
