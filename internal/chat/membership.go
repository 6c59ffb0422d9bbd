package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

func (h *Hub) joinRoom(ctx context.Context, connID string, in Inbound) {
	roomID := strings.TrimSpace(in.RoomID)

	history := h.prepareRoom(ctx, roomID)

	var token string
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok || !c.Authenticated() {
			return
		}
		token = c.SessionToken

		if c.RoomID == roomID && h.rooms.Contains(roomID, c.ID) {
			h.send(c, joinedRoomEnvelope{
				Type:     TypeJoinedRoom,
				RoomID:   roomID,
				Users:    h.usernames(roomID),
				Messages: history,
			})
			return
		}

		h.leave(c)
		h.rooms.Add(roomID, c.ID)
		c.RoomID = roomID
		h.metrics.SetRooms(h.rooms.Len())
		h.log.Info("client joined room",
			zap.String("conn_id", c.ID),
			zap.String("username", c.Username),
			zap.String("room_id", roomID))

		h.send(c, joinedRoomEnvelope{
			Type:     TypeJoinedRoom,
			RoomID:   roomID,
			Users:    h.usernames(roomID),
			Messages: history,
		})
		h.broadcast(roomID, presenceEnvelope{
			Type:      TypeUserJoined,
			UserID:    c.Username,
			Username:  c.Username,
			RoomID:    roomID,
			Timestamp: h.now(),
		}, c.ID)
	})

	if token != "" {
		h.bindSessionRoom(ctx, token, roomID)
	}
}

// prepareRoom makes sure the durable room record exists and loads its recent
// history. Store failures are logged and yield an empty history.
func (h *Hub) prepareRoom(ctx context.Context, roomID string) []StoredMessage {
	history := []StoredMessage{}
	if h.messages == nil {
		return history
	}

	storeCtx, cancel := h.storeContext(ctx)
	defer cancel()

	if err := h.messages.CreateRoom(storeCtx, roomID); err != nil {
		h.metrics.PersistenceFailure("create_room")
		h.log.Warn("failed to create room record", zap.String("room_id", roomID), zap.Error(err))
	}
	recent, err := h.messages.RecentMessages(storeCtx, roomID, h.opts.HistoryLimit)
	if err != nil {
		h.metrics.PersistenceFailure("recent_messages")
		h.log.Warn("failed to load room history", zap.String("room_id", roomID), zap.Error(err))
		return history
	}
	if recent != nil {
		history = recent
	}
	return history
}

func (h *Hub) leaveRoom(ctx context.Context, connID string) {
	var (
		token string
		bound string
	)
	h.do(func() {
		c, ok := h.conns.Get(connID)
		if !ok {
			return
		}
		roomID := c.RoomID
		if !h.leave(c) {
			return
		}
		token = c.SessionToken
		bound = h.conns.SessionRoom(token, c.ID)
		h.send(c, leftRoomEnvelope{Type: TypeLeftRoom, RoomID: roomID})
	})

	if token != "" {
		h.bindSessionRoom(ctx, token, bound)
	}
}

// leave removes c from its room, tells the remaining members and deletes
// the room once empty. It reports whether c was in a room.
func (h *Hub) leave(c *Connection) bool {
	if c.RoomID == "" {
		return false
	}
	roomID := c.RoomID
	h.rooms.Remove(roomID, c.ID)
	c.RoomID = ""
	h.metrics.SetRooms(h.rooms.Len())
	h.log.Info("client left room",
		zap.String("conn_id", c.ID),
		zap.String("username", c.Username),
		zap.String("room_id", roomID))

	h.broadcast(roomID, presenceEnvelope{
		Type:      TypeUserLeft,
		UserID:    c.Username,
		Username:  c.Username,
		RoomID:    roomID,
		Timestamp: h.now(),
	}, c.ID)
	return true
}

// inRoom reports whether c is a member of the room it claims.
func (h *Hub) inRoom(c *Connection) bool {
	return c.RoomID != "" && h.rooms.Contains(c.RoomID, c.ID)
}
