package chat

// room is an occupied broadcast group. Members are kept in join order.
type room struct {
	id      string
	members []string
	index   map[string]struct{}
}

// RoomRegistry tracks room membership by connection id. Rooms exist only
// while occupied. It is not safe for concurrent use; the Hub loop is its
// only caller.
type RoomRegistry struct {
	rooms map[string]*room
}

// NewRoomRegistry returns an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]*room)}
}

// Add puts connID into roomID, creating the room if needed. It reports
// whether connID was newly added.
func (r *RoomRegistry) Add(roomID, connID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, index: make(map[string]struct{})}
		r.rooms[roomID] = rm
	}
	if _, member := rm.index[connID]; member {
		return false
	}
	rm.index[connID] = struct{}{}
	rm.members = append(rm.members, connID)
	return true
}

// Remove takes connID out of roomID and deletes the room once empty. It
// reports whether connID was a member.
func (r *RoomRegistry) Remove(roomID, connID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := rm.index[connID]; !member {
		return false
	}
	delete(rm.index, connID)
	for i, id := range rm.members {
		if id == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// Contains reports whether connID is a member of roomID.
func (r *RoomRegistry) Contains(roomID, connID string) bool {
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := rm.index[connID]
	return member
}

// Exists reports whether roomID is currently occupied.
func (r *RoomRegistry) Exists(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

// Members returns the connection ids in roomID in join order.
func (r *RoomRegistry) Members(roomID string) []string {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), rm.members...)
}

// Len returns the number of occupied rooms.
func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}
