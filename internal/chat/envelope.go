package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed reports an envelope that could not be decoded into the
	// structure its type requires.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType reports a well-formed envelope whose type tag is not
	// handled by this server.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Kind is the closed set of inbound envelope types.
type Kind int

const (
	KindAuthenticate Kind = iota + 1
	KindJoinRoom
	KindLeaveRoom
	KindChatMessage
	KindWebRTCOffer
	KindWebRTCAnswer
	KindWebRTCICECandidate
	KindCallUser
	KindCallResponse
	KindEndCall
)

// Outbound-only type tags.
const (
	TypeConnected     = "connected"
	TypeAuthenticated = "authenticated"
	TypeAuthFailed    = "auth-failed"
	TypeJoinedRoom    = "joined-room"
	TypeLeftRoom      = "left-room"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeError         = "error"
)

var kindNames = map[Kind]string{
	KindAuthenticate:       "authenticate",
	KindJoinRoom:           "join-room",
	KindLeaveRoom:          "leave-room",
	KindChatMessage:        "chat-message",
	KindWebRTCOffer:        "webrtc-offer",
	KindWebRTCAnswer:       "webrtc-answer",
	KindWebRTCICECandidate: "webrtc-ice-candidate",
	KindCallUser:           "call-user",
	KindCallResponse:       "call-response",
	KindEndCall:            "end-call",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// String returns the wire type tag of k.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a wire type tag to its Kind.
func ParseKind(tag string) (Kind, bool) {
	k, ok := kindsByName[tag]
	return k, ok
}

// Precondition is the connection state a handler requires.
type Precondition int

const (
	RequiresNothing Precondition = iota
	RequiresAuthenticated
	RequiresInRoom
)

// Precondition returns the state a connection must be in before an envelope
// of kind k is handled.
func (k Kind) Precondition() Precondition {
	switch k {
	case KindAuthenticate:
		return RequiresNothing
	case KindJoinRoom, KindLeaveRoom, KindCallUser, KindCallResponse, KindEndCall:
		return RequiresAuthenticated
	case KindChatMessage, KindWebRTCOffer, KindWebRTCAnswer, KindWebRTCICECandidate:
		return RequiresInRoom
	}
	return RequiresAuthenticated
}

// IsSignaling reports whether k is forwarded 1:1 by the relay.
func (k Kind) IsSignaling() bool {
	switch k {
	case KindWebRTCOffer, KindWebRTCAnswer, KindWebRTCICECandidate,
		KindCallUser, KindCallResponse, KindEndCall:
		return true
	}
	return false
}

// Inbound is a decoded client envelope. Fields not used by Kind are zero.
type Inbound struct {
	Kind         Kind   `json:"-"`
	SessionToken string `json:"sessionToken"`
	RoomID       string `json:"roomId"`
	Username     string `json:"username"`
	Message      string `json:"message"`
	Encrypted    bool   `json:"encrypted"`
	TargetUserID string `json:"targetUserId"`

	fields map[string]json.RawMessage
}

// Decode parses raw into an Inbound envelope. Errors wrap ErrMalformed or
// ErrUnknownType.
func Decode(raw []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Inbound{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	rawType, ok := fields["type"]
	if !ok {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	var tag string
	if err := json.Unmarshal(rawType, &tag); err != nil {
		return Inbound{}, fmt.Errorf("%w: type must be a string", ErrMalformed)
	}

	kind, ok := ParseKind(tag)
	if !ok {
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	in.Kind = kind
	in.fields = fields

	if err := in.validate(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

func (in Inbound) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, in.Kind, field)
	}
	switch in.Kind {
	case KindAuthenticate:
		if in.SessionToken == "" {
			return missing("sessionToken")
		}
	case KindJoinRoom:
		if strings.TrimSpace(in.RoomID) == "" {
			return missing("roomId")
		}
	case KindLeaveRoom:
	case KindChatMessage:
		if strings.TrimSpace(in.Message) == "" {
			return missing("message")
		}
	case KindWebRTCOffer, KindWebRTCAnswer, KindWebRTCICECandidate,
		KindCallUser, KindCallResponse, KindEndCall:
		if in.TargetUserID == "" {
			return missing("targetUserId")
		}
	}
	return nil
}

// relayed returns the envelope as received with fromUserId and timestamp
// replaced by server-side values.
func (in Inbound) relayed(from string, at time.Time) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(in.fields)+2)
	for k, v := range in.fields {
		out[k] = v
	}
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	atJSON, err := json.Marshal(at)
	if err != nil {
		return nil, err
	}
	out["fromUserId"] = fromJSON
	out["timestamp"] = atJSON
	return json.Marshal(out)
}

type connectedEnvelope struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type authenticatedEnvelope struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type authFailedEnvelope struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type joinedRoomEnvelope struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	Users    []string        `json:"users"`
	Messages []StoredMessage `json:"messages"`
}

type leftRoomEnvelope struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type presenceEnvelope struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type chatEnvelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Encrypted bool      `json:"encrypted"`
	Timestamp time.Time `json:"timestamp"`
}

// errorEnvelope carries the text in both error and message; clients in the
// wild read either field.
type errorEnvelope struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newErrorEnvelope(text string) errorEnvelope {
	return errorEnvelope{Type: TypeError, Error: text, Message: text}
}
