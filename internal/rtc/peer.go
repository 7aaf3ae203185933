package rtc

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/camuschat/camus-sub000/internal/events"
	"github.com/pion/webrtc/v4"
)

// MediaPeer events.
const (
	EventTrack                    = "track"
	EventConnectionStateChange    = "connectionstatechange"
	EventICEConnectionStateChange = "iceconnectionstatechange"
	EventICEGatheringStateChange  = "icegatheringstatechange"
	EventSignalingStateChange     = "signalingstatechange"
	EventUsernameChange           = "usernamechange"
	EventShutdown                 = "shutdown"
)

// Signaler carries negotiation messages to a single remote participant.
type Signaler interface {
	Offer(receiver string, desc webrtc.SessionDescription) error
	Answer(receiver string, desc webrtc.SessionDescription) error
	ICECandidate(receiver string, candidate *webrtc.ICECandidateInit) error
	Bye(receiver string) error
}

// Polite reports whether the local participant yields to peerID when both
// sides offer at once. Ids must be distinct; the relay guarantees that.
func Polite(selfID, peerID string) bool {
	return selfID < peerID
}

// PeerConfig configures a MediaPeer.
type PeerConfig struct {
	ID       string
	Username string
	SelfID   string
	Conn     Connection
	Signaler Signaler
	Logger   *slog.Logger
}

// MediaPeer is the local end of a connection with one remote participant.
type MediaPeer struct {
	id       string
	polite   bool
	conn     Connection
	signaler Signaler
	log      *slog.Logger
	events   events.Emitter

	mu       sync.Mutex
	username string
	senders  map[string]Sender
	remote   []RemoteTrack

	// negotiation serializes description changes. makingOffer is set while
	// an offer is being built outside the lock; answered counts remote
	// offers applied so a stale offer can be detected.
	negotiation sync.Mutex
	makingOffer atomic.Bool
	answered    atomic.Uint64

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// NewMediaPeer wraps conn and subscribes to its callbacks.
func NewMediaPeer(cfg PeerConfig) (*MediaPeer, error) {
	if cfg.ID == "" || cfg.ID == cfg.SelfID {
		return nil, WrapError("create peer", ErrInvalidPeerID, cfg.ID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &MediaPeer{
		id:       cfg.ID,
		polite:   Polite(cfg.SelfID, cfg.ID),
		conn:     cfg.Conn,
		signaler: cfg.Signaler,
		username: cfg.Username,
		senders:  make(map[string]Sender),
		log:      cfg.Logger.With("peer", cfg.ID),
	}

	p.conn.OnNegotiationNeeded(p.negotiate)
	p.conn.OnICECandidate(p.sendCandidate)
	p.conn.OnTrack(p.addRemoteTrack)

	p.conn.OnSignalingStateChange(func(state webrtc.SignalingState) {
		p.log.Debug("signaling state changed", "state", state)
		p.events.Emit(EventSignalingStateChange, state)
	})
	p.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Info("connection state changed", "state", state)
		p.events.Emit(EventConnectionStateChange, state)
	})
	p.conn.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		p.events.Emit(EventICEGatheringStateChange, state)
	})
	p.conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug("ice connection state changed", "state", state)
		p.events.Emit(EventICEConnectionStateChange, state)
		if state == webrtc.ICEConnectionStateFailed {
			p.RestartICE()
		}
	})

	return p, nil
}

func (p *MediaPeer) ID() string   { return p.id }
func (p *MediaPeer) Polite() bool { return p.polite }

func (p *MediaPeer) Username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

// SetUsername updates the display name and emits EventUsernameChange when it
// differs from the current one.
func (p *MediaPeer) SetUsername(name string) {
	p.mu.Lock()
	changed := p.username != name
	p.username = name
	p.mu.Unlock()

	if changed {
		p.events.Emit(EventUsernameChange, name)
	}
}

// On subscribes to a peer event.
func (p *MediaPeer) On(event string, fn events.Listener) (remove func()) {
	return p.events.On(event, fn)
}

func (p *MediaPeer) SignalingState() webrtc.SignalingState {
	return p.conn.SignalingState()
}

func (p *MediaPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.conn.ConnectionState()
}

func (p *MediaPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.conn.ICEConnectionState()
}

func (p *MediaPeer) ICEGatheringState() webrtc.ICEGatheringState {
	return p.conn.ICEGatheringState()
}

// Connect declares intent to send and receive video and audio. The
// transceivers make the connection request the first negotiation.
func (p *MediaPeer) Connect() error {
	if p.closed.Load() {
		return NewPeerError("connect", p.id, ErrPeerClosed)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.conn.AddTransceiver(kind); err != nil {
			return &Error{Op: "add transceiver", Peer: p.id, Err: err, Details: kind.String()}
		}
	}
	return nil
}

// negotiate answers the connection's negotiation-needed signal.
func (p *MediaPeer) negotiate() {
	if p.closed.Load() {
		return
	}
	if !p.makingOffer.CompareAndSwap(false, true) {
		// The offer in flight is followed by another negotiation-needed
		// signal once the connection is stable again.
		return
	}
	defer p.makingOffer.Store(false)

	generation := p.answered.Load()

	offer, err := p.conn.CreateOffer()
	if errors.Is(err, ErrOfferPending) {
		// Negotiation is requested again once the pending offer settles.
		p.log.Debug("offer already pending")
		return
	}
	if err != nil {
		p.log.Warn("failed to create offer", "error", err)
		return
	}

	p.negotiation.Lock()
	defer p.negotiation.Unlock()

	if state := p.conn.SignalingState(); state != webrtc.SignalingStateStable {
		p.log.Debug("dropping offer, signaling state changed", "state", state)
		return
	}
	if p.answered.Load() != generation {
		p.log.Debug("dropping offer, remote offer applied meanwhile")
		return
	}

	if err := p.conn.SetLocalDescription(offer); err != nil {
		p.log.Warn("failed to apply local offer", "error", err)
		return
	}

	if err := p.signaler.Offer(p.id, p.localDescription(offer)); err != nil {
		p.log.Warn("failed to send offer", "error", err)
	}
}

// OnOffer applies a remote offer and answers it, unless it collides with
// an offer of ours and this side is impolite.
func (p *MediaPeer) OnOffer(offer webrtc.SessionDescription) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return &Error{Op: "handle offer", Peer: p.id, Err: ErrTypeMismatch, Details: offer.Type.String()}
	}
	if p.closed.Load() {
		return nil
	}

	p.negotiation.Lock()
	defer p.negotiation.Unlock()

	state := p.conn.SignalingState()
	collision := p.makingOffer.Load() || state != webrtc.SignalingStateStable

	if collision && !p.polite {
		p.log.Debug("ignoring colliding offer", "state", state)
		return nil
	}

	if collision && state == webrtc.SignalingStateHaveLocalOffer {
		p.log.Debug("rolling back local offer")
		if err := p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			p.log.Warn("failed to roll back local offer", "error", err)
			return nil
		}
	}

	if err := p.conn.SetRemoteDescription(offer); err != nil {
		p.log.Warn("failed to apply remote offer", "error", err)
		return nil
	}
	p.answered.Add(1)

	answer, err := p.conn.CreateAnswer()
	if err != nil {
		p.log.Warn("failed to create answer", "error", err)
		return nil
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		p.log.Warn("failed to apply local answer", "error", err)
		return nil
	}

	if err := p.signaler.Answer(p.id, p.localDescription(answer)); err != nil {
		p.log.Warn("failed to send answer", "error", err)
	}
	return nil
}

// OnAnswer applies a remote answer to our pending offer.
func (p *MediaPeer) OnAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return &Error{Op: "handle answer", Peer: p.id, Err: ErrTypeMismatch, Details: answer.Type.String()}
	}
	if p.closed.Load() {
		return nil
	}

	p.negotiation.Lock()
	defer p.negotiation.Unlock()

	if err := p.conn.SetRemoteDescription(answer); err != nil {
		p.log.Warn("failed to apply remote answer", "error", err, "state", p.conn.SignalingState())
	}
	return nil
}

// OnICECandidate applies a remote candidate. Candidates racing with a
// discarded offer or with teardown fail harmlessly.
func (p *MediaPeer) OnICECandidate(candidate webrtc.ICECandidateInit) {
	if p.closed.Load() {
		return
	}
	if err := p.conn.AddICECandidate(candidate); err != nil {
		p.log.Debug("failed to add ice candidate", "error", err)
	}
}

func (p *MediaPeer) sendCandidate(candidate *webrtc.ICECandidateInit) {
	if candidate == nil || p.closed.Load() {
		return
	}
	if err := p.signaler.ICECandidate(p.id, candidate); err != nil {
		p.log.Debug("failed to send ice candidate", "error", err)
	}
}

func (p *MediaPeer) addRemoteTrack(track RemoteTrack) {
	p.mu.Lock()
	p.remote = append(p.remote, track)
	p.mu.Unlock()

	p.log.Info("received remote track", "kind", track.Kind(), "track", track.ID())
	p.events.Emit(EventTrack, track)
}

// localDescription prefers the applied description, which may carry
// gathered candidates, over the one that was passed in.
func (p *MediaPeer) localDescription(fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if desc := p.conn.LocalDescription(); desc != nil && desc.Type == fallback.Type {
		return *desc
	}
	return fallback
}

// RemoteTracks returns the tracks received so far.
func (p *MediaPeer) RemoteTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RemoteTrack(nil), p.remote...)
}

// Tracks returns the local tracks bound to senders.
func (p *MediaPeer) Tracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracks := make([]Track, 0, len(p.senders))
	for _, s := range p.senders {
		if t := s.Track(); t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// AddTrack sends t, reusing an idle sender of the same kind when there is
// one.
func (p *MediaPeer) AddTrack(t Track) error {
	if p.closed.Load() {
		return NewPeerError("add track", p.id, ErrPeerClosed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.senders[t.ID()]; ok {
		return &Error{Op: "add track", Peer: p.id, Err: ErrTrackExists, Details: t.ID()}
	}

	for _, tr := range p.conn.Transceivers() {
		if tr.Kind() != t.Kind() {
			continue
		}
		s := tr.Sender()
		if s == nil || s.Track() != nil {
			continue
		}
		if err := s.ReplaceTrack(t); err != nil {
			return &Error{Op: "add track", Peer: p.id, Err: err, Details: t.ID()}
		}
		p.senders[t.ID()] = s
		return nil
	}

	s, err := p.conn.AddTrack(t)
	if err != nil {
		return &Error{Op: "add track", Peer: p.id, Err: err, Details: t.ID()}
	}
	p.senders[t.ID()] = s
	return nil
}

// RemoveTrack stops sending the track with the given id.
func (p *MediaPeer) RemoveTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.senders[trackID]
	if !ok {
		return &Error{Op: "remove track", Peer: p.id, Err: ErrTrackNotFound, Details: trackID}
	}
	if err := p.conn.RemoveTrack(s); err != nil {
		return &Error{Op: "remove track", Peer: p.id, Err: err, Details: trackID}
	}
	delete(p.senders, trackID)
	return nil
}

// ReplaceTrack swaps the track with the given id for t on the same sender.
func (p *MediaPeer) ReplaceTrack(trackID string, t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.senders[trackID]
	if !ok {
		return &Error{Op: "replace track", Peer: p.id, Err: ErrTrackNotFound, Details: trackID}
	}
	if err := s.ReplaceTrack(t); err != nil {
		return &Error{Op: "replace track", Peer: p.id, Err: err, Details: trackID}
	}
	delete(p.senders, trackID)
	p.senders[t.ID()] = s
	return nil
}

// DisableRemoteVideo stops receiving video without touching local tracks.
// No renegotiation takes place. With the pion adapter the remote side keeps
// sending and incoming video packets are dropped locally.
func (p *MediaPeer) DisableRemoteVideo() error {
	return p.setVideoDirection(webrtc.RTPTransceiverDirectionSendonly)
}

// EnableRemoteVideo resumes receiving video.
func (p *MediaPeer) EnableRemoteVideo() error {
	return p.setVideoDirection(webrtc.RTPTransceiverDirectionSendrecv)
}

func (p *MediaPeer) setVideoDirection(d webrtc.RTPTransceiverDirection) error {
	for _, tr := range p.conn.Transceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := tr.SetDirection(d); err != nil {
			return &Error{Op: "set video direction", Peer: p.id, Err: err, Details: d.String()}
		}
	}
	return nil
}

// RestartICE asks the connection for an ICE restart and returns at once.
func (p *MediaPeer) RestartICE() {
	if p.closed.Load() {
		return
	}
	p.log.Info("restarting ice")
	p.conn.RestartICE()
}

// SetICEServers applies a new server list and restarts ICE.
func (p *MediaPeer) SetICEServers(servers []webrtc.ICEServer) error {
	if p.closed.Load() {
		return NewPeerError("set ice servers", p.id, ErrPeerClosed)
	}
	if err := p.conn.SetConfiguration(servers); err != nil {
		return NewPeerError("set ice servers", p.id, err)
	}
	p.RestartICE()
	return nil
}

// Shutdown stops received tracks, closes the connection, says bye to the
// remote participant and emits EventShutdown. Only the first call has any
// effect.
func (p *MediaPeer) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)

		for _, t := range p.RemoteTracks() {
			if err := t.Stop(); err != nil {
				p.log.Debug("failed to stop remote track", "track", t.ID(), "error", err)
			}
		}

		if err := p.conn.Close(); err != nil {
			p.log.Warn("failed to close connection", "error", err)
		}

		if err := p.signaler.Bye(p.id); err != nil {
			p.log.Debug("failed to send bye", "error", err)
		}

		p.log.Info("peer shut down")
		p.events.Emit(EventShutdown, p.id)
	})
}
