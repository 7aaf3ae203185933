package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type identifies the shape of a Message's data.
type Type string

// Message type constants.
const (
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeGetRoomInfo   Type = "get-room-info"
	TypeRoomInfo      Type = "room-info"
	TypeGetIceServers Type = "get-ice-servers"
	TypeIceServers    Type = "ice-servers"
	TypeProfile       Type = "profile"
	TypeOffer         Type = "offer"
	TypeAnswer        Type = "answer"
	TypeICECandidate  Type = "icecandidate"
	TypeGreeting      Type = "greeting"
	TypeBye           Type = "bye"
	TypeText          Type = "text"
	TypeError         Type = "error"
)

// Reserved receivers.
const (
	// GroundControl addresses the relay server itself.
	GroundControl = "ground control"

	// Room addresses every client in the sender's room.
	Room = "room"
)

// DefaultUsername is used until a participant announces a profile.
const DefaultUsername = "Major Tom"

// Message is the only unit of wire communication between clients and the
// relay. Data stays encoded until a handler knows which payload to expect.
type Message struct {
	Sender   string          `json:"sender,omitempty" msgpack:"sender,omitempty"`
	Receiver string          `json:"receiver" msgpack:"receiver"`
	Type     Type            `json:"type" msgpack:"type"`
	Data     json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

// NewMessage encodes data and returns a message addressed to receiver.
func NewMessage(receiver string, t Type, data any) (*Message, error) {
	msg := &Message{Receiver: receiver, Type: t}
	if data == nil {
		return msg, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 || bytes.Equal(m.Data, []byte("null")) {
		return fmt.Errorf("decode %s payload: %w", m.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Participant is a room member as reported by the relay.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// RoomInfo is the authoritative membership snapshot of a room.
type RoomInfo struct {
	RoomID  string        `json:"room_id,omitempty"`
	Clients []Participant `json:"clients"`
}

// Find returns the participant with the given id.
func (r *RoomInfo) Find(id string) (Participant, bool) {
	for _, c := range r.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return Participant{}, false
}

// Profile announces a username change.
type Profile struct {
	Username string `json:"username"`
}

// Text is a chat line broadcast to a room.
type Text struct {
	From string `json:"from"`
	Time int64  `json:"time"`
	Text string `json:"text"`
}

// IceServer describes a STUN or TURN server. Servers received without an
// enabled flag are treated as enabled.
type IceServer struct {
	URLs       []string `json:"urls"`
	Kind       string   `json:"kind,omitempty"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
	Enabled    bool     `json:"enabled"`
}

// UnmarshalJSON defaults Enabled to true when the field is absent.
func (s *IceServer) UnmarshalJSON(b []byte) error {
	type plain IceServer
	v := plain{Enabled: true}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = IceServer(v)
	return nil
}

// EnabledIceServers converts the enabled subset of servers into the pion
// configuration shape.
func EnabledIceServers(servers []IceServer) []webrtc.ICEServer {
	active := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if !s.Enabled || len(s.URLs) == 0 {
			continue
		}

		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		active = append(active, server)
	}
	return active
}

// Pattern matches messages by partial field equality. Empty fields match
// anything; Data is compared after JSON compaction.
type Pattern struct {
	Sender   string
	Receiver string
	Type     Type
	Data     json.RawMessage
}

// Match reports whether m carries every non-empty field of p.
func (p Pattern) Match(m *Message) bool {
	if m == nil {
		return false
	}
	if p.Sender != "" && p.Sender != m.Sender {
		return false
	}
	if p.Receiver != "" && p.Receiver != m.Receiver {
		return false
	}
	if p.Type != "" && p.Type != m.Type {
		return false
	}
	if len(p.Data) > 0 && !sameJSON(p.Data, m.Data) {
		return false
	}
	return true
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
