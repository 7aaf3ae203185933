package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

func (s *Signaler) send(receiver string, t Type, data any) error {
	msg, err := NewMessage(receiver, t, data)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// Ping asks the relay for a pong and returns the id the relay knows this
// client by.
func (s *Signaler) Ping(ctx context.Context) (string, error) {
	stamp := time.Now().UnixMilli()
	msg, err := NewMessage(GroundControl, TypePing, stamp)
	if err != nil {
		return "", err
	}

	reply, err := s.SendReceive(ctx, msg, Pattern{
		Sender: GroundControl,
		Type:   TypePong,
		Data:   msg.Data,
	})
	if err != nil {
		return "", fmt.Errorf("ping: %w", err)
	}
	return reply.Receiver, nil
}

// GetRoomInfo fetches the current membership of the room.
func (s *Signaler) GetRoomInfo(ctx context.Context) (*RoomInfo, error) {
	msg, err := NewMessage(GroundControl, TypeGetRoomInfo, nil)
	if err != nil {
		return nil, err
	}

	reply, err := s.SendReceive(ctx, msg, Pattern{Sender: GroundControl, Type: TypeRoomInfo})
	if err != nil {
		return nil, fmt.Errorf("get room info: %w", err)
	}

	var info RoomInfo
	if err := reply.Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// FetchIceServers asks the relay for the STUN and TURN servers to use.
func (s *Signaler) FetchIceServers(ctx context.Context) ([]IceServer, error) {
	msg, err := NewMessage(GroundControl, TypeGetIceServers, nil)
	if err != nil {
		return nil, err
	}

	reply, err := s.SendReceive(ctx, msg, Pattern{Sender: GroundControl, Type: TypeIceServers})
	if err != nil {
		return nil, fmt.Errorf("get ice servers: %w", err)
	}

	var servers []IceServer
	if err := reply.Decode(&servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// Text broadcasts a chat line to the room.
func (s *Signaler) Text(text, from string, at time.Time) error {
	return s.send(Room, TypeText, Text{From: from, Time: at.UnixMilli(), Text: text})
}

// Profile announces a new username to the relay.
func (s *Signaler) Profile(username string) error {
	return s.send(GroundControl, TypeProfile, Profile{Username: username})
}

// Offer sends a local offer to a peer.
func (s *Signaler) Offer(receiver string, desc webrtc.SessionDescription) error {
	return s.send(receiver, TypeOffer, desc)
}

// Answer sends a local answer to a peer.
func (s *Signaler) Answer(receiver string, desc webrtc.SessionDescription) error {
	return s.send(receiver, TypeAnswer, desc)
}

// ICECandidate sends a trickled candidate to a peer. A nil candidate marks the
// end of gathering and is sent as null data.
func (s *Signaler) ICECandidate(receiver string, candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return s.Send(&Message{Receiver: receiver, Type: TypeICECandidate, Data: json.RawMessage("null")})
	}
	return s.send(receiver, TypeICECandidate, candidate)
}

// Greeting sends a free-form greeting.
func (s *Signaler) Greeting(receiver, text string) error {
	return s.send(receiver, TypeGreeting, text)
}

// Bye tells receiver this client is leaving.
func (s *Signaler) Bye(receiver string) error {
	return s.send(receiver, TypeBye, time.Now().UnixMilli())
}
