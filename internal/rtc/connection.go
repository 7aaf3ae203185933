// Package rtc implements per-participant peer connections on top of a narrow
// connection capability. MediaPeer runs the perfect negotiation protocol; the
// pion adapter in this package provides the production capability.
package rtc

import "github.com/pion/webrtc/v4"

// Track is a local media source that can be bound to a sender.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop() error
}

// RemoteTrack is media received from a peer.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop() error
}

// Sender transmits at most one local track. Track returns nil while the
// sender is idle.
type Sender interface {
	Track() Track
	ReplaceTrack(t Track) error
}

// Transceiver pairs a sender with a receiver for one media kind.
type Transceiver interface {
	Kind() webrtc.RTPCodecType
	Direction() webrtc.RTPTransceiverDirection
	SetDirection(d webrtc.RTPTransceiverDirection) error
	Sender() Sender
}

// Connection is the capability a MediaPeer negotiates over. Session
// descriptions, candidates and states use pion's types as vocabulary.
//
// Implementations deliver callbacks on their own goroutines. OnNegotiationNeeded
// must fire whenever the transceiver set changes while the signaling state is
// stable, and again on returning to stable if changes happened meanwhile.
type Connection interface {
	AddTransceiver(kind webrtc.RTPCodecType) (Transceiver, error)
	Transceivers() []Transceiver
	Senders() []Sender
	AddTrack(t Track) (Sender, error)
	RemoveTrack(s Sender) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	// SetConfiguration replaces the ICE servers of the connection.
	SetConfiguration(iceServers []webrtc.ICEServer) error

	// RestartICE marks the next offer as an ICE restart and requests
	// negotiation. It does not wait for the restart to happen.
	RestartICE()

	Close() error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	ICEGatheringState() webrtc.ICEGatheringState

	OnTrack(f func(RemoteTrack))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnICEGatheringStateChange(f func(webrtc.ICEGatheringState))
	OnSignalingStateChange(f func(webrtc.SignalingState))
	OnNegotiationNeeded(f func())

	// OnICECandidate receives gathered candidates. A nil candidate marks the
	// end of gathering.
	OnICECandidate(f func(*webrtc.ICECandidateInit))
}

// Factory creates connections.
type Factory interface {
	NewConnection(iceServers []webrtc.ICEServer) (Connection, error)
}
