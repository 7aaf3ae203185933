package room

import (
	"fmt"
	"sync"

	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type handlerFunc func(m *Manager, msg *signaling.Message) error

type listener struct {
	id      uint64
	pattern signaling.Pattern
	fn      func(*signaling.Message)
}

// MessageHandler routes incoming messages by type and then offers them to
// registered listeners.
type MessageHandler struct {
	handlers map[signaling.Type]handlerFunc

	mu        sync.Mutex
	nextID    uint64
	listeners []listener
}

func NewMessageHandler() *MessageHandler {
	return &MessageHandler{
		handlers: map[signaling.Type]handlerFunc{
			signaling.TypePing:          handlePing,
			signaling.TypePong:          logOnly,
			signaling.TypeGreeting:      logOnly,
			signaling.TypeGetRoomInfo:   logOnly,
			signaling.TypeGetIceServers: logOnly,
			signaling.TypeProfile:       logOnly,
			signaling.TypeText:          handleText,
			signaling.TypeRoomInfo:      handleRoomInfo,
			signaling.TypeIceServers:    handleIceServers,
			signaling.TypeOffer:         handleOffer,
			signaling.TypeAnswer:        handleAnswer,
			signaling.TypeICECandidate:  handleICECandidate,
			signaling.TypeBye:           handleBye,
			signaling.TypeError:         handleError,
		},
	}
}

// AddListener calls fn with every dispatched message matching pattern.
func (h *MessageHandler) AddListener(pattern signaling.Pattern, fn func(*signaling.Message)) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.listeners = append(h.listeners, listener{id: id, pattern: pattern, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, l := range h.listeners {
			if l.id == id {
				h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispatch runs the built-in handler for msg, then the matching listeners.
// Listeners run even when the built-in handler fails or the type is unknown.
func (h *MessageHandler) Dispatch(m *Manager, msg *signaling.Message) error {
	var err error
	if fn, ok := h.handlers[msg.Type]; ok {
		err = fn(m, msg)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}

	h.mu.Lock()
	listeners := append([]listener(nil), h.listeners...)
	h.mu.Unlock()

	for _, l := range listeners {
		if l.pattern.Match(msg) {
			l.fn(msg)
		}
	}
	return err
}

func logOnly(m *Manager, msg *signaling.Message) error {
	m.log.Debug("message received", "type", msg.Type, "sender", msg.Sender, "data", string(msg.Data))
	return nil
}

func handlePing(m *Manager, msg *signaling.Message) error {
	return m.signaler.Send(&signaling.Message{
		Receiver: msg.Sender,
		Type:     signaling.TypePong,
		Data:     msg.Data,
	})
}

func handleText(m *Manager, msg *signaling.Message) error {
	var text signaling.Text
	if err := msg.Decode(&text); err != nil {
		return err
	}
	m.appendText(text)
	return nil
}

func handleRoomInfo(m *Manager, msg *signaling.Message) error {
	var info signaling.RoomInfo
	if err := msg.Decode(&info); err != nil {
		return err
	}
	return m.UpdatePeers(&info)
}

func handleIceServers(m *Manager, msg *signaling.Message) error {
	var servers []signaling.IceServer
	if err := msg.Decode(&servers); err != nil {
		return err
	}
	return m.SetIceServers(servers)
}

// descriptionPeer decodes a session description of the expected type and
// returns the sender's peer, creating it when needed.
func descriptionPeer(m *Manager, msg *signaling.Message, want webrtc.SDPType) (*rtc.MediaPeer, webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := msg.Decode(&desc); err != nil {
		return nil, desc, err
	}
	if desc.Type != want {
		return nil, desc, &rtc.Error{
			Op:      "handle " + string(msg.Type),
			Peer:    msg.Sender,
			Err:     ErrTypeMismatch,
			Details: desc.Type.String(),
		}
	}

	peer, err := m.GetOrCreatePeer(signaling.Participant{ID: msg.Sender, Username: signaling.DefaultUsername})
	if err != nil {
		return nil, desc, err
	}
	return peer, desc, nil
}

func handleOffer(m *Manager, msg *signaling.Message) error {
	peer, offer, err := descriptionPeer(m, msg, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	return peer.OnOffer(offer)
}

func handleAnswer(m *Manager, msg *signaling.Message) error {
	peer, answer, err := descriptionPeer(m, msg, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return peer.OnAnswer(answer)
}

// handleICECandidate applies a trickled candidate. Null data marks the end of
// the remote candidates and needs no action.
func handleICECandidate(m *Manager, msg *signaling.Message) error {
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return nil
	}

	var candidate webrtc.ICECandidateInit
	if err := msg.Decode(&candidate); err != nil {
		return err
	}

	peer, err := m.GetOrCreatePeer(signaling.Participant{ID: msg.Sender, Username: signaling.DefaultUsername})
	if err != nil {
		return err
	}
	peer.OnICECandidate(candidate)
	return nil
}

func handleBye(m *Manager, msg *signaling.Message) error {
	if msg.Sender == signaling.GroundControl {
		return nil
	}
	m.RemovePeer(msg.Sender)
	return nil
}

func handleError(m *Manager, msg *signaling.Message) error {
	var text string
	if err := msg.Decode(&text); err != nil {
		text = string(msg.Data)
	}
	m.log.Warn("relay reported an error", "error", text)
	return nil
}
