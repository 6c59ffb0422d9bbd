package chat

import (
	"encoding/json"

	"go.uber.org/zap"
)

// broadcast sends v to every writable member of roomID except exclude and
// returns the number of deliveries. Members whose buffer is full are
// dropped.
func (h *Hub) broadcast(roomID string, v any, exclude string) int {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("room_id", roomID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range h.rooms.Members(roomID) {
		if id == exclude {
			continue
		}
		c, ok := h.conns.Get(id)
		if !ok {
			continue
		}
		if h.sendRaw(c, payload) {
			delivered++
		}
	}

	h.log.Debug("broadcast",
		zap.String("room_id", roomID),
		zap.Int("delivered", delivered))
	return delivered
}

// send encodes v and queues it for c.
func (h *Hub) send(c *Connection, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode envelope", zap.String("conn_id", c.ID), zap.Error(err))
		return false
	}
	return h.sendRaw(c, payload)
}

func (h *Hub) sendRaw(c *Connection, payload []byte) bool {
	if c.dropped {
		return false
	}
	if c.peer.Send(payload) {
		return true
	}
	h.drop(c)
	return false
}

func (h *Hub) sendError(c *Connection, text string) {
	h.send(c, newErrorEnvelope(text))
}

// drop closes a peer that can no longer keep up. Its state is torn down
// when the transport reports the close through Detach.
func (h *Hub) drop(c *Connection) {
	c.dropped = true
	h.metrics.DroppedPeer()
	h.log.Warn("client removed due to full send buffer",
		zap.String("conn_id", c.ID),
		zap.String("remote", c.peer.RemoteAddr()))
	c.peer.Close()
}

// usernames lists the usernames of roomID's members in join order.
func (h *Hub) usernames(roomID string) []string {
	members := h.rooms.Members(roomID)
	names := make([]string, 0, len(members))
	for _, id := range members {
		if c, ok := h.conns.Get(id); ok {
			names = append(names, c.Username)
		}
	}
	return names
}
