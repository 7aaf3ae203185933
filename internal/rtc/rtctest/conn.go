// Package rtctest provides in-memory implementations of the rtc capability
// interfaces for tests. Conn follows the signaling state machine of a
// browser peer connection closely enough to exercise perfect negotiation,
// and reports "connected" once an offer/answer exchange has completed.
package rtctest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed       = errors.New("rtctest: connection closed")
	ErrInvalidState = errors.New("rtctest: invalid signaling state")
	ErrNoRemote     = errors.New("rtctest: no remote description")
	ErrWrongKind    = errors.New("rtctest: track kind does not match transceiver")
	ErrForeign      = errors.New("rtctest: sender belongs to another connection")
)

// Track is a local track that records whether it was stopped.
type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	stopped atomic.Bool
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Stopped() bool             { return t.stopped.Load() }

func (t *Track) Stop() error {
	t.stopped.Store(true)
	return nil
}

// RemoteTrack is delivered through OnTrack once a connection is established.
type RemoteTrack struct {
	Track
}

// Transceiver is a fake transceiver.
type Transceiver struct {
	conn      *Conn
	kind      webrtc.RTPCodecType
	direction webrtc.RTPTransceiverDirection
	sender    *Sender
}

func (t *Transceiver) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Transceiver) Direction() webrtc.RTPTransceiverDirection {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.direction
}

// SetDirection changes the direction; like a browser it asks for
// negotiation when the direction actually changes.
func (t *Transceiver) SetDirection(d webrtc.RTPTransceiverDirection) error {
	c := t.conn
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := t.direction != d
	t.direction = d
	var ops []func()
	if changed {
		ops = c.changedLocked()
	}
	c.mu.Unlock()

	c.enqueue(ops...)
	return nil
}

func (t *Transceiver) Sender() rtc.Sender {
	return t.sender
}

// Sender is a fake sender bound to one transceiver.
type Sender struct {
	transceiver *Transceiver
	track       rtc.Track
}

func (s *Sender) Track() rtc.Track {
	c := s.transceiver.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.track
}

// ReplaceTrack swaps the track without negotiation.
func (s *Sender) ReplaceTrack(t rtc.Track) error {
	c := s.transceiver.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if t != nil && t.Kind() != s.transceiver.kind {
		return ErrWrongKind
	}
	s.track = t
	return nil
}

// Conn is an in-memory rtc.Connection.
type Conn struct {
	id         string
	iceServers []webrtc.ICEServer

	mu            sync.Mutex
	closed        bool
	signaling     webrtc.SignalingState
	connState     webrtc.PeerConnectionState
	iceState      webrtc.ICEConnectionState
	gathering     webrtc.ICEGatheringState
	pendingLocal  *webrtc.SessionDescription
	currentLocal  *webrtc.SessionDescription
	pendingRemote *webrtc.SessionDescription
	currentRemote *webrtc.SessionDescription
	transceivers  []*Transceiver
	candidates    []webrtc.ICECandidateInit
	restart       bool
	tracksSent    bool

	// version counts changes needing negotiation; negotiated is the version
	// carried by the last applied local offer.
	version        uint64
	negotiated     uint64
	prevNegotiated uint64

	offers    int
	answers   int
	rollbacks int
	restarts  int

	onTrack     func(rtc.RemoteTrack)
	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onGathering func(webrtc.ICEGatheringState)
	onSignaling func(webrtc.SignalingState)
	onNegotiate func()
	onCandidate func(*webrtc.ICECandidateInit)

	ops  chan func()
	done chan struct{}
}

// NewConn creates a connection. Callbacks run one at a time on a goroutine
// owned by the connection, in the order the state changes happened.
func NewConn(id string, iceServers []webrtc.ICEServer) *Conn {
	c := &Conn{
		id:         id,
		iceServers: iceServers,
		signaling:  webrtc.SignalingStateStable,
		connState:  webrtc.PeerConnectionStateNew,
		iceState:   webrtc.ICEConnectionStateNew,
		gathering:  webrtc.ICEGatheringStateNew,
		ops:        make(chan func(), 1024),
		done:       make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Conn) run() {
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.done:
			for {
				select {
				case op := <-c.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) enqueue(ops ...func()) {
	for _, op := range ops {
		if op == nil {
			continue
		}
		select {
		case c.ops <- op:
		case <-c.done:
			return
		}
	}
}

// changedLocked records a change that requires negotiation.
func (c *Conn) changedLocked() []func() {
	c.version++
	if c.signaling != webrtc.SignalingStateStable {
		return nil
	}
	return []func(){c.negotiationNeededOp()}
}

func (c *Conn) negotiationNeededOp() func() {
	return func() {
		c.mu.Lock()
		f := c.onNegotiate
		needed := !c.closed && c.signaling == webrtc.SignalingStateStable && c.version > c.negotiated
		c.mu.Unlock()

		if needed && f != nil {
			f()
		}
	}
}

func (c *Conn) AddTransceiver(kind webrtc.RTPCodecType) (rtc.Transceiver, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	t := c.newTransceiverLocked(kind, nil)
	ops := c.changedLocked()
	c.mu.Unlock()

	c.enqueue(ops...)
	return t, nil
}

func (c *Conn) newTransceiverLocked(kind webrtc.RTPCodecType, track rtc.Track) *Transceiver {
	t := &Transceiver{conn: c, kind: kind, direction: webrtc.RTPTransceiverDirectionSendrecv}
	t.sender = &Sender{transceiver: t, track: track}
	c.transceivers = append(c.transceivers, t)
	return t
}

func (c *Conn) Transceivers() []rtc.Transceiver {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]rtc.Transceiver, 0, len(c.transceivers))
	for _, t := range c.transceivers {
		out = append(out, t)
	}
	return out
}

func (c *Conn) Senders() []rtc.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]rtc.Sender, 0, len(c.transceivers))
	for _, t := range c.transceivers {
		out = append(out, t.sender)
	}
	return out
}

func (c *Conn) AddTrack(track rtc.Track) (rtc.Sender, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	t := c.newTransceiverLocked(track.Kind(), track)
	ops := c.changedLocked()
	c.mu.Unlock()

	c.enqueue(ops...)
	return t.sender, nil
}

func (c *Conn) RemoveTrack(s rtc.Sender) error {
	fs, ok := s.(*Sender)
	if !ok || fs.transceiver.conn != c {
		return ErrForeign
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	fs.track = nil
	ops := c.changedLocked()
	c.mu.Unlock()

	c.enqueue(ops...)
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake-offer %s v%d restart=%t", c.id, c.version, c.restart),
	}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrInvalidState, c.signaling)
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake-answer %s", c.id),
	}, nil
}

func offerVersion(sdp string) uint64 {
	var (
		id      string
		version uint64
	)
	if _, err := fmt.Sscanf(sdp, "fake-offer %s v%d", &id, &version); err != nil {
		return 0
	}
	return version
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	var ops []func()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable && c.signaling != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: local offer in %s", ErrInvalidState, c.signaling)
		}
		d := desc
		c.pendingLocal = &d
		c.prevNegotiated = c.negotiated
		c.negotiated = offerVersion(desc.SDP)
		c.restart = false
		c.offers++
		ops = append(ops, c.setSignalingLocked(webrtc.SignalingStateHaveLocalOffer))
		ops = append(ops, c.gatherLocked()...)

	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: local answer in %s", ErrInvalidState, c.signaling)
		}
		d := desc
		c.currentLocal = &d
		c.currentRemote = c.pendingRemote
		c.pendingRemote = nil
		c.answers++
		ops = append(ops, c.setSignalingLocked(webrtc.SignalingStateStable))
		ops = append(ops, c.gatherLocked()...)
		ops = append(ops, c.stableLocked()...)

	case webrtc.SDPTypeRollback:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: rollback in %s", ErrInvalidState, c.signaling)
		}
		c.pendingLocal = nil
		c.negotiated = c.prevNegotiated
		c.rollbacks++
		ops = append(ops, c.setSignalingLocked(webrtc.SignalingStateStable))
		ops = append(ops, c.stableLocked()...)

	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: local %s", ErrInvalidState, desc.Type)
	}
	c.mu.Unlock()

	c.enqueue(ops...)
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	var ops []func()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.signaling != webrtc.SignalingStateStable && c.signaling != webrtc.SignalingStateHaveRemoteOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: remote offer in %s", ErrInvalidState, c.signaling)
		}
		d := desc
		c.pendingRemote = &d
		ops = append(ops, c.setSignalingLocked(webrtc.SignalingStateHaveRemoteOffer))

	case webrtc.SDPTypeAnswer:
		if c.signaling != webrtc.SignalingStateHaveLocalOffer {
			c.mu.Unlock()
			return fmt.Errorf("%w: remote answer in %s", ErrInvalidState, c.signaling)
		}
		d := desc
		c.currentRemote = &d
		c.currentLocal = c.pendingLocal
		c.pendingLocal = nil
		ops = append(ops, c.setSignalingLocked(webrtc.SignalingStateStable))
		ops = append(ops, c.stableLocked()...)

	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: remote %s", ErrInvalidState, desc.Type)
	}
	c.mu.Unlock()

	c.enqueue(ops...)
	return nil
}

func (c *Conn) setSignalingLocked(state webrtc.SignalingState) func() {
	c.signaling = state
	return func() {
		if f := c.callbacks().onSignaling; f != nil {
			f(state)
		}
	}
}

// stableLocked runs after every return to stable: it completes the
// connection after the first full exchange and re-checks whether
// negotiation is still needed.
func (c *Conn) stableLocked() []func() {
	var ops []func()

	if c.currentLocal != nil && c.currentRemote != nil {
		if c.iceState != webrtc.ICEConnectionStateConnected {
			ops = append(ops,
				c.setICEStateLocked(webrtc.ICEConnectionStateChecking),
				c.setICEStateLocked(webrtc.ICEConnectionStateConnected),
			)
		}
		if c.connState != webrtc.PeerConnectionStateConnected {
			ops = append(ops,
				c.setConnStateLocked(webrtc.PeerConnectionStateConnecting),
				c.setConnStateLocked(webrtc.PeerConnectionStateConnected),
			)
		}

		if !c.tracksSent {
			c.tracksSent = true
			for i, t := range c.transceivers {
				remote := &RemoteTrack{Track: Track{id: fmt.Sprintf("%s-remote-%d", c.id, i), kind: t.kind}}
				ops = append(ops, func() {
					if f := c.callbacks().onTrack; f != nil {
						f(remote)
					}
				})
			}
		}
	}

	if c.version > c.negotiated {
		ops = append(ops, c.negotiationNeededOp())
	}
	return ops
}

// gatherLocked emits one host candidate followed by the end-of-candidates
// marker the first time a local description is applied, and again after an
// ICE restart.
func (c *Conn) gatherLocked() []func() {
	if c.gathering == webrtc.ICEGatheringStateComplete {
		return nil
	}
	c.gathering = webrtc.ICEGatheringStateComplete

	candidate := webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 %s.invalid 9 typ host", c.id),
	}
	return []func(){
		func() {
			cb := c.callbacks()
			if cb.onGathering != nil {
				cb.onGathering(webrtc.ICEGatheringStateGathering)
			}
			if cb.onCandidate != nil {
				cb.onCandidate(&candidate)
				cb.onCandidate(nil)
			}
			if cb.onGathering != nil {
				cb.onGathering(webrtc.ICEGatheringStateComplete)
			}
		},
	}
}

func (c *Conn) setICEStateLocked(state webrtc.ICEConnectionState) func() {
	c.iceState = state
	return func() {
		if f := c.callbacks().onICEState; f != nil {
			f(state)
		}
	}
}

func (c *Conn) setConnStateLocked(state webrtc.PeerConnectionState) func() {
	c.connState = state
	return func() {
		if f := c.callbacks().onConnState; f != nil {
			f(state)
		}
	}
}

type callbacks struct {
	onTrack     func(rtc.RemoteTrack)
	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onGathering func(webrtc.ICEGatheringState)
	onSignaling func(webrtc.SignalingState)
	onCandidate func(*webrtc.ICECandidateInit)
}

func (c *Conn) callbacks() callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callbacks{
		onTrack:     c.onTrack,
		onConnState: c.onConnState,
		onICEState:  c.onICEState,
		onGathering: c.onGathering,
		onSignaling: c.onSignaling,
		onCandidate: c.onCandidate,
	}
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingLocal != nil {
		return c.pendingLocal
	}
	return c.currentLocal
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.pendingRemote == nil && c.currentRemote == nil {
		return ErrNoRemote
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) SetConfiguration(iceServers []webrtc.ICEServer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.iceServers = iceServers
	return nil
}

func (c *Conn) RestartICE() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.restarts++
	c.restart = true
	c.gathering = webrtc.ICEGatheringStateNew
	ops := c.changedLocked()
	c.mu.Unlock()

	c.enqueue(ops...)
}

// Close closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ops := []func(){
		c.setSignalingLocked(webrtc.SignalingStateClosed),
		c.setICEStateLocked(webrtc.ICEConnectionStateClosed),
		c.setConnStateLocked(webrtc.PeerConnectionStateClosed),
	}
	c.mu.Unlock()

	c.enqueue(ops...)
	close(c.done)
	return nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *Conn) ICEConnectionState() webrtc.ICEConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceState
}

func (c *Conn) ICEGatheringState() webrtc.ICEGatheringState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gathering
}

func (c *Conn) OnTrack(f func(rtc.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Conn) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnState = f
}

func (c *Conn) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICEState = f
}

func (c *Conn) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGathering = f
}

func (c *Conn) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSignaling = f
}

func (c *Conn) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNegotiate = f
}

func (c *Conn) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

// FailICE simulates a connectivity failure.
func (c *Conn) FailICE() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	op := c.setICEStateLocked(webrtc.ICEConnectionStateFailed)
	c.mu.Unlock()

	c.enqueue(op)
}

// Stats is a snapshot of what happened on a Conn.
type Stats struct {
	Offers           int
	Answers          int
	Rollbacks        int
	Restarts         int
	RemoteCandidates int
	Closed           bool
	ICEServers       []webrtc.ICEServer
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Offers:           c.offers,
		Answers:          c.answers,
		Rollbacks:        c.rollbacks,
		Restarts:         c.restarts,
		RemoteCandidates: len(c.candidates),
		Closed:           c.closed,
		ICEServers:       append([]webrtc.ICEServer(nil), c.iceServers...),
	}
}

// Factory hands out Conns and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	next  int

	// Err, when set, fails every NewConnection call.
	Err error
}

func (f *Factory) NewConnection(iceServers []webrtc.ICEServer) (rtc.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	f.next++
	c := NewConn(fmt.Sprintf("conn%d", f.next), iceServers)
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}
