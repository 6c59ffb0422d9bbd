package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/metrics"
	"github.com/Tyrowin/huddle/internal/testutil"
)

type client struct {
	id   string
	peer *testutil.FakePeer
}

func newTestHub(t *testing.T, store *testutil.MemoryStore, opts chat.Options) *chat.Hub {
	t.Helper()
	hub := chat.NewHub(store, store, opts, zap.NewNop(), metrics.New())
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
	})
	return hub
}

func attach(t *testing.T, hub *chat.Hub, name string) *client {
	t.Helper()
	peer := testutil.NewFakePeer(name)
	id, err := hub.Attach(peer)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	frames := peer.Drain(t)
	if len(frames) != 1 || frames[0]["type"] != chat.TypeConnected || frames[0]["connectionId"] != id {
		t.Fatalf("Expected a connected greeting with id %s, got %v", id, frames)
	}
	return &client{id: id, peer: peer}
}

func send(t *testing.T, hub *chat.Hub, c *client, v map[string]any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	hub.Handle(context.Background(), c.id, raw)
}

// login gives username a session and authenticates c with it.
func login(t *testing.T, hub *chat.Hub, store *testutil.MemoryStore, c *client, username string) {
	t.Helper()
	token := "token-" + username
	store.AddSession(token, username)
	send(t, hub, c, map[string]any{"type": "authenticate", "sessionToken": token})
	frames := c.peer.Drain(t)
	if len(frames) != 1 || frames[0]["type"] != chat.TypeAuthenticated {
		t.Fatalf("Expected authenticated, got %v", frames)
	}
}

func join(t *testing.T, hub *chat.Hub, c *client, roomID string) map[string]any {
	t.Helper()
	send(t, hub, c, map[string]any{"type": "join-room", "roomId": roomID})
	frames := c.peer.Drain(t)
	if len(frames) != 1 || frames[0]["type"] != chat.TypeJoinedRoom {
		t.Fatalf("Expected joined-room, got %v", frames)
	}
	return frames[0]
}

func assertTypes(t *testing.T, frames []map[string]any, want ...string) {
	t.Helper()
	got := testutil.Types(frames)
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected frame types %v, got %v", want, got)
	}
}

func users(frame map[string]any) []string {
	raw, _ := frame["users"].([]any)
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		s, _ := u.(string)
		out = append(out, s)
	}
	return out
}

func TestAuthenticate(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")

	store.AddSession("valid", "x")

	send(t, hub, x, map[string]any{"type": "authenticate", "sessionToken": "expired"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeAuthFailed)
	if frames[0]["error"] != "Invalid or expired session" {
		t.Errorf("Unexpected auth-failed error: %v", frames[0]["error"])
	}
	if x.peer.Closed() {
		t.Fatal("Connection should stay open after a failed authentication")
	}

	send(t, hub, x, map[string]any{"type": "authenticate", "sessionToken": "valid"})
	frames = x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeAuthenticated)
	if frames[0]["userId"] != "1" || frames[0]["username"] != "x" {
		t.Errorf("Expected authenticated{userId:1, username:x}, got %v", frames[0])
	}
}

func TestJoinRequiresAuthentication(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")

	send(t, hub, x, map[string]any{"type": "join-room", "roomId": "lobby", "username": "x"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "join-room requires authentication" {
		t.Errorf("Unexpected error text: %v", frames[0]["message"])
	}

	if _, rooms := hub.Stats(); rooms != 0 {
		t.Errorf("Rejected join must not create a room, have %d", rooms)
	}
	if len(store.Rooms()) != 0 {
		t.Errorf("Rejected join must not touch the store, rooms %v", store.Rooms())
	}
}

func TestChatRequiresRoom(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")

	send(t, hub, x, map[string]any{"type": "chat-message", "message": "hi"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "chat-message requires joining a room" {
		t.Errorf("Unexpected error text: %v", frames[0]["message"])
	}

	login(t, hub, store, x, "x")
	send(t, hub, x, map[string]any{"type": "chat-message", "message": "hi"})
	assertTypes(t, x.peer.Drain(t), chat.TypeError)
}

func TestMalformedAndUnknownEnvelopes(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")

	hub.Handle(context.Background(), x.id, []byte("not json"))
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)

	send(t, hub, x, map[string]any{"type": "typing-indicator", "roomId": "lobby"})
	assertTypes(t, x.peer.Drain(t))

	if x.peer.Closed() {
		t.Error("Connection should stay open after bad envelopes")
	}
}

func TestJoinAndChatScenario(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")

	login(t, hub, store, x, "x")
	joined := join(t, hub, x, "lobby")
	if got := users(joined); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("Expected users [x], got %v", got)
	}
	if msgs, _ := joined["messages"].([]any); msgs == nil || len(msgs) != 0 {
		t.Errorf("Expected empty message history, got %v", joined["messages"])
	}

	login(t, hub, store, y, "y")
	joined = join(t, hub, y, "lobby")
	if got := users(joined); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("Expected users [x y], got %v", got)
	}

	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeUserJoined)
	if frames[0]["userId"] != "y" {
		t.Errorf("Expected user-joined{userId:y}, got %v", frames[0])
	}

	send(t, hub, x, map[string]any{"type": "chat-message", "message": "hi"})
	for _, c := range []*client{x, y} {
		frames := c.peer.Drain(t)
		assertTypes(t, frames, "chat-message")
		if frames[0]["userId"] != "x" || frames[0]["message"] != "hi" {
			t.Errorf("%s: unexpected chat-message %v", c.peer.Addr, frames[0])
		}
	}

	saved := store.Messages("lobby")
	if len(saved) != 1 || saved[0].Message != "hi" || saved[0].Username != "x" {
		t.Errorf("Expected one persisted message from x, got %v", saved)
	}
	if store.BoundRoom("token-x") != "lobby" {
		t.Errorf("Session room not recorded, got %q", store.BoundRoom("token-x"))
	}
}

func TestBroadcastFanOut(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())

	var members []*client
	for _, name := range []string{"a", "b", "c"} {
		c := attach(t, hub, name)
		login(t, hub, store, c, name)
		join(t, hub, c, "room")
		members = append(members, c)
	}
	for _, c := range members {
		c.peer.Drain(t)
	}

	send(t, hub, members[0], map[string]any{"type": "chat-message", "message": "hello"})
	for _, c := range members {
		assertTypes(t, c.peer.Drain(t), "chat-message")
	}

	d := attach(t, hub, "d")
	login(t, hub, store, d, "d")
	joined := join(t, hub, d, "room")
	if got := users(joined); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("Expected users [a b c d], got %v", got)
	}
	if history, _ := joined["messages"].([]any); len(history) != 1 {
		t.Errorf("Expected one history message, got %v", joined["messages"])
	}
	for _, c := range members {
		assertTypes(t, c.peer.Drain(t), chat.TypeUserJoined)
	}
	assertTypes(t, d.peer.Drain(t))
}

func TestRejoinSameRoomIsIdempotent(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "lobby")
	join(t, hub, y, "lobby")
	x.peer.Drain(t)

	joined := join(t, hub, y, "lobby")
	if got := users(joined); !reflect.DeepEqual(got, []string{"x", "y"}) {
		t.Errorf("Rejoin duplicated membership: %v", got)
	}
	assertTypes(t, x.peer.Drain(t))
	assertTypes(t, y.peer.Drain(t))
}

func TestSwitchingRoomsLeavesPrevious(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "one")
	join(t, hub, y, "one")
	x.peer.Drain(t)

	join(t, hub, y, "two")
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeUserLeft)
	if frames[0]["userId"] != "y" || frames[0]["roomId"] != "one" {
		t.Errorf("Unexpected user-left %v", frames[0])
	}
	if _, rooms := hub.Stats(); rooms != 2 {
		t.Errorf("Expected 2 rooms, got %d", rooms)
	}
}

func TestLeaveLastMemberRemovesRoom(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	login(t, hub, store, x, "x")
	join(t, hub, x, "lobby")
	send(t, hub, x, map[string]any{"type": "chat-message", "message": "kept"})
	x.peer.Drain(t)

	send(t, hub, x, map[string]any{"type": "leave-room"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeLeftRoom)
	if frames[0]["roomId"] != "lobby" {
		t.Errorf("Unexpected left-room %v", frames[0])
	}
	if _, rooms := hub.Stats(); rooms != 0 {
		t.Fatalf("Expected the empty room to be removed, have %d", rooms)
	}
	if store.BoundRoom("token-x") != "" {
		t.Errorf("Session room not cleared, got %q", store.BoundRoom("token-x"))
	}

	send(t, hub, x, map[string]any{"type": "leave-room"})
	assertTypes(t, x.peer.Drain(t))

	joined := join(t, hub, x, "lobby")
	if got := users(joined); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("Recreated room should only hold x, got %v", got)
	}
	history, _ := joined["messages"].([]any)
	if len(history) != 1 {
		t.Fatalf("Expected persisted history to survive, got %v", joined["messages"])
	}
	if msg, _ := history[0].(map[string]any); msg["message"] != "kept" {
		t.Errorf("Unexpected history entry %v", history[0])
	}
}

func TestDetachNotifiesRoom(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "lobby")
	join(t, hub, y, "lobby")
	x.peer.Drain(t)

	hub.Detach(y.id)
	hub.Detach(y.id)

	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeUserLeft)
	if conns, _ := hub.Stats(); conns != 1 {
		t.Errorf("Expected 1 connection, got %d", conns)
	}
	if store.BoundRoom("token-y") != "" {
		t.Errorf("Session room not cleared on close, got %q", store.BoundRoom("token-y"))
	}

	send(t, hub, x, map[string]any{"type": "call-user", "targetUserId": "y"})
	frames = x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "Target user not found" {
		t.Errorf("Detached user should not be reachable, got %v", frames[0])
	}
}

func TestPersistenceFailureDoesNotBlockBroadcast(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")

	store.Fail = true
	joined := join(t, hub, x, "lobby")
	if history, _ := joined["messages"].([]any); history == nil || len(history) != 0 {
		t.Errorf("Expected empty history on store failure, got %v", joined["messages"])
	}
	join(t, hub, y, "lobby")
	x.peer.Drain(t)

	send(t, hub, x, map[string]any{"type": "chat-message", "message": "still here"})
	for _, c := range []*client{x, y} {
		assertTypes(t, c.peer.Drain(t), "chat-message")
	}
}

func TestLegacyIdentity(t *testing.T) {
	store := testutil.NewMemoryStore()
	opts := chat.DefaultOptions()
	opts.LegacyIdentity = true
	hub := newTestHub(t, store, opts)
	x := attach(t, hub, "x")

	send(t, hub, x, map[string]any{"type": "join-room", "roomId": "lobby", "username": "x"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeJoinedRoom)

	send(t, hub, x, map[string]any{"type": "chat-message", "message": "live only"})
	assertTypes(t, x.peer.Drain(t), "chat-message")
	if saved := store.Messages("lobby"); len(saved) != 0 {
		t.Errorf("Legacy messages must not be persisted, got %v", saved)
	}

	send(t, hub, x, map[string]any{
		"type":         "webrtc-offer",
		"targetUserId": "y",
		"data":         map[string]any{"sdp": "v=0"},
	})
	frames = x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "Target user not found" {
		t.Errorf("Expected target-not-found, got %v", frames[0])
	}
}

func TestRelayForwardsToTarget(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	z := attach(t, hub, "z")
	for _, c := range []struct {
		c    *client
		name string
	}{{x, "x"}, {y, "y"}, {z, "z"}} {
		login(t, hub, store, c.c, c.name)
		join(t, hub, c.c, "call")
	}
	for _, c := range []*client{x, y, z} {
		c.peer.Drain(t)
	}

	send(t, hub, x, map[string]any{
		"type":         "webrtc-offer",
		"targetUserId": "y",
		"fromUserId":   "mallory",
		"data":         map[string]any{"sdp": "v=0"},
	})

	assertTypes(t, x.peer.Drain(t))
	assertTypes(t, z.peer.Drain(t))
	frames := y.peer.Drain(t)
	assertTypes(t, frames, "webrtc-offer")
	if frames[0]["fromUserId"] != "x" {
		t.Errorf("fromUserId must be the sender's username, got %v", frames[0]["fromUserId"])
	}
	if _, ok := frames[0]["timestamp"].(string); !ok {
		t.Errorf("Relayed envelope has no timestamp: %v", frames[0])
	}
	data, _ := frames[0]["data"].(map[string]any)
	if data["sdp"] != "v=0" {
		t.Errorf("Payload not forwarded verbatim: %v", frames[0]["data"])
	}
}

func TestCallSignalingNeedsOnlyAuthentication(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")

	send(t, hub, x, map[string]any{"type": "call-user", "targetUserId": "y"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "call-user requires authentication" {
		t.Errorf("Unexpected error text: %v", frames[0]["message"])
	}

	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	send(t, hub, x, map[string]any{"type": "call-user", "targetUserId": "y"})
	assertTypes(t, y.peer.Drain(t), "call-user")

	send(t, hub, y, map[string]any{"type": "webrtc-answer", "targetUserId": "x"})
	frames = y.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if frames[0]["message"] != "webrtc-answer requires joining a room" {
		t.Errorf("Unexpected error text: %v", frames[0]["message"])
	}
}

func TestSlowPeerIsDropped(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "lobby")
	join(t, hub, y, "lobby")
	x.peer.Drain(t)

	y.peer.Capacity = 1
	send(t, hub, x, map[string]any{"type": "chat-message", "message": "one"})
	send(t, hub, x, map[string]any{"type": "chat-message", "message": "two"})

	if !y.peer.Closed() {
		t.Fatal("Peer with a full buffer should be closed")
	}
	if x.peer.Closed() {
		t.Fatal("Sender should stay connected")
	}
	assertTypes(t, x.peer.Drain(t), "chat-message", "chat-message")
}

func TestShutdownClosesPeers(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := chat.NewHub(store, store, chat.DefaultOptions(), zap.NewNop(), nil)
	go hub.Run()

	peer := testutil.NewFakePeer("x")
	if _, err := hub.Attach(peer); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !peer.Closed() {
		t.Error("Shutdown should close live peers")
	}
	if _, err := hub.Attach(testutil.NewFakePeer("late")); !errors.Is(err, chat.ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed after shutdown, got %v", err)
	}
}

func TestPreconditionsGateEveryKind(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	login(t, hub, store, x, "x")
	anon := attach(t, hub, "anon")

	tests := []struct {
		conn     *client
		envelope map[string]any
		want     string
	}{
		{anon, map[string]any{"type": "join-room", "roomId": "lobby"}, "join-room requires authentication"},
		{anon, map[string]any{"type": "leave-room"}, "leave-room requires authentication"},
		{anon, map[string]any{"type": "call-user", "targetUserId": "x"}, "call-user requires authentication"},
		{anon, map[string]any{"type": "call-response", "targetUserId": "x"}, "call-response requires authentication"},
		{anon, map[string]any{"type": "end-call", "targetUserId": "x"}, "end-call requires authentication"},
		{anon, map[string]any{"type": "chat-message", "message": "hi"}, "chat-message requires joining a room"},
		{x, map[string]any{"type": "chat-message", "message": "hi"}, "chat-message requires joining a room"},
		{x, map[string]any{"type": "webrtc-offer", "targetUserId": "x"}, "webrtc-offer requires joining a room"},
		{x, map[string]any{"type": "webrtc-answer", "targetUserId": "x"}, "webrtc-answer requires joining a room"},
		{x, map[string]any{"type": "webrtc-ice-candidate", "targetUserId": "x"}, "webrtc-ice-candidate requires joining a room"},
	}

	for _, tt := range tests {
		t.Run(tt.envelope["type"].(string), func(t *testing.T) {
			send(t, hub, tt.conn, tt.envelope)
			frames := tt.conn.peer.Drain(t)
			assertTypes(t, frames, chat.TypeError)
			if len(frames) == 1 && frames[0]["message"] != tt.want {
				t.Errorf("Expected %q, got %v", tt.want, frames[0]["message"])
			}
		})
	}

	if _, rooms := hub.Stats(); rooms != 0 {
		t.Errorf("Rejected envelopes must not create rooms, have %d", rooms)
	}
}

func TestReauthenticateAsAnotherUserLeavesRoom(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "lobby")
	join(t, hub, y, "lobby")
	x.peer.Drain(t)
	if store.BoundRoom("token-y") != "lobby" {
		t.Fatalf("Expected token-y bound to lobby, got %q", store.BoundRoom("token-y"))
	}

	store.AddSession("token-z", "z")
	send(t, hub, y, map[string]any{"type": "authenticate", "sessionToken": "token-z"})

	frames := y.peer.Drain(t)
	assertTypes(t, frames, chat.TypeLeftRoom, chat.TypeAuthenticated)
	if len(frames) == 2 && frames[1]["username"] != "z" {
		t.Errorf("Expected authenticated as z, got %v", frames[1])
	}
	frames = x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeUserLeft)
	if len(frames) == 1 && frames[0]["username"] != "y" {
		t.Errorf("Expected user-left for y, got %v", frames[0])
	}
	if got := store.BoundRoom("token-y"); got != "" {
		t.Errorf("Old session should no longer be bound, got %q", got)
	}

	joined := join(t, hub, y, "lobby")
	if got := users(joined); !reflect.DeepEqual(got, []string{"x", "z"}) {
		t.Errorf("Expected users [x z], got %v", got)
	}
	frames = x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeUserJoined)
	if len(frames) == 1 && frames[0]["username"] != "z" {
		t.Errorf("Expected user-joined for z, got %v", frames[0])
	}
}

func TestReauthenticateAsSameUserKeepsRoom(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y := attach(t, hub, "y")
	login(t, hub, store, x, "x")
	login(t, hub, store, y, "y")
	join(t, hub, x, "lobby")
	join(t, hub, y, "lobby")
	x.peer.Drain(t)

	store.AddSession("token-x2", "x")
	send(t, hub, x, map[string]any{"type": "authenticate", "sessionToken": "token-x2"})
	assertTypes(t, x.peer.Drain(t), chat.TypeAuthenticated)
	assertTypes(t, y.peer.Drain(t))

	if got := store.BoundRoom("token-x2"); got != "lobby" {
		t.Errorf("New session should be bound to lobby, got %q", got)
	}
	if got := store.BoundRoom("token-x"); got != "" {
		t.Errorf("Replaced session should be cleared, got %q", got)
	}

	send(t, hub, x, map[string]any{"type": "chat-message", "message": "still here"})
	assertTypes(t, y.peer.Drain(t), "chat-message")
}

func TestRelaySkipsClosedTargetConnection(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	x := attach(t, hub, "x")
	y1 := attach(t, hub, "y1")
	y2 := attach(t, hub, "y2")
	login(t, hub, store, x, "x")
	login(t, hub, store, y1, "y")
	login(t, hub, store, y2, "y")

	y1.peer.Close()
	send(t, hub, x, map[string]any{"type": "call-user", "targetUserId": "y"})
	assertTypes(t, x.peer.Drain(t))
	assertTypes(t, y1.peer.Drain(t))
	assertTypes(t, y2.peer.Drain(t), "call-user")

	send(t, hub, x, map[string]any{"type": "end-call", "targetUserId": "y"})
	assertTypes(t, y2.peer.Drain(t), "end-call")

	y2.peer.Close()
	send(t, hub, x, map[string]any{"type": "call-user", "targetUserId": "y"})
	frames := x.peer.Drain(t)
	assertTypes(t, frames, chat.TypeError)
	if len(frames) == 1 && frames[0]["message"] != "Target user not found" {
		t.Errorf("Expected target-not-found, got %v", frames[0])
	}
}

func TestDetachKeepsSessionRoomOfSiblingConnection(t *testing.T) {
	store := testutil.NewMemoryStore()
	hub := newTestHub(t, store, chat.DefaultOptions())
	a := attach(t, hub, "a")
	b := attach(t, hub, "b")
	login(t, hub, store, a, "x")
	login(t, hub, store, b, "x")
	join(t, hub, a, "lobby")
	join(t, hub, b, "games")
	if got := store.BoundRoom("token-x"); got != "games" {
		t.Fatalf("Expected session bound to games, got %q", got)
	}

	hub.Detach(b.id)
	if got := store.BoundRoom("token-x"); got != "lobby" {
		t.Errorf("Session should follow the remaining connection to lobby, got %q", got)
	}

	hub.Detach(a.id)
	if got := store.BoundRoom("token-x"); got != "" {
		t.Errorf("Session room should be cleared once no connection is in a room, got %q", got)
	}
}
