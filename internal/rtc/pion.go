package rtc

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/camuschat/camus-sub000/internal/logging"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures the pion backed connection factory.
type PionConfig struct {
	// ForceRelay restricts ICE to relay candidates when TURN servers are
	// configured.
	ForceRelay bool

	// Net replaces the host network, e.g. with a pion vnet.
	Net transport.Net

	Logger *slog.Logger
}

// PionFactory creates connections backed by pion/webrtc with the default
// codecs and interceptors.
type PionFactory struct {
	cfg      PionConfig
	log      *slog.Logger
	settings webrtc.SettingEngine
}

func NewPionFactory(cfg PionConfig) *PionFactory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f := &PionFactory{cfg: cfg, log: cfg.Logger}
	f.settings.LoggerFactory = logging.NewPionFactory(cfg.Logger)
	if cfg.Net != nil {
		f.settings.SetNet(cfg.Net)
	}
	return f
}

func (f *PionFactory) NewConnection(iceServers []webrtc.ICEServer) (Connection, error) {
	// A MediaEngine belongs to exactly one PeerConnection.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, NewError("register interceptors", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(f.settings),
	)

	policy := webrtc.ICETransportPolicyAll
	if f.cfg.ForceRelay && hasTURN(iceServers) {
		policy = webrtc.ICETransportPolicyRelay
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, NewError("create peer connection", err)
	}

	return &pionConnection{
		pc:         pc,
		log:        f.log,
		directions: make(map[*webrtc.RTPTransceiver]webrtc.RTPTransceiverDirection),
		gathering:  pc.ICEGatheringState(),
		reported:   pc.SignalingState(),
	}, nil
}

func hasTURN(servers []webrtc.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

// pionConnection adapts *webrtc.PeerConnection to Connection.
//
// pion has no restartIce and no public transceiver direction setter. A
// restart is rendered as an ICE restart flag consumed by the next
// CreateOffer. Direction changes are recorded here and inbound media on a
// transceiver that no longer receives is discarded.
//
// pion cannot roll back a local offer either. A local offer is therefore
// held here and only handed to pion together with the answer to it, so a
// rollback just forgets it. While an offer is held the connection reports
// have-local-offer and refuses to create another one. Remote candidates
// that arrive before any remote description are queued until one is set.
type pionConnection struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	restart atomic.Bool

	mu                  sync.Mutex
	directions          map[*webrtc.RTPTransceiver]webrtc.RTPTransceiverDirection
	gathering           webrtc.ICEGatheringState
	onGathering         func(webrtc.ICEGatheringState)
	onNegotiationNeeded func()

	offer          *webrtc.SessionDescription
	offerRestart   bool
	createdRestart bool
	candidates     []webrtc.ICECandidateInit
	reported       webrtc.SignalingState
	onSignaling    func(webrtc.SignalingState)
}

func (c *pionConnection) AddTransceiver(kind webrtc.RTPCodecType) (Transceiver, error) {
	t, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return &pionTransceiver{t: t, conn: c}, nil
}

func (c *pionConnection) Transceivers() []Transceiver {
	var out []Transceiver
	for _, t := range c.pc.GetTransceivers() {
		out = append(out, &pionTransceiver{t: t, conn: c})
	}
	return out
}

func (c *pionConnection) Senders() []Sender {
	var out []Sender
	for _, s := range c.pc.GetSenders() {
		out = append(out, &pionSender{s: s})
	}
	return out
}

func (c *pionConnection) AddTrack(t Track) (Sender, error) {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return nil, ErrUnsupportedTrack
	}
	s, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	return &pionSender{s: s}, nil
}

func (c *pionConnection) RemoveTrack(s Sender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return ErrUnsupportedTrack
	}
	return c.pc.RemoveTrack(ps.s)
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.pendingOffer() != nil {
		return webrtc.SessionDescription{}, ErrOfferPending
	}

	restart := c.restart.Swap(false)
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		if restart {
			c.restart.Store(true)
		}
		return offer, err
	}

	c.mu.Lock()
	c.createdRestart = restart
	c.mu.Unlock()
	return offer, nil
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		c.mu.Lock()
		if c.offer != nil {
			c.mu.Unlock()
			return ErrOfferPending
		}
		if c.pc.SignalingState() != webrtc.SignalingStateStable {
			c.mu.Unlock()
			return c.pc.SetLocalDescription(desc)
		}
		c.offer = &desc
		c.offerRestart = c.createdRestart
		c.mu.Unlock()

		c.report(webrtc.SignalingStateHaveLocalOffer)
		return nil

	case webrtc.SDPTypeRollback:
		if !c.dropOffer() {
			return c.pc.SetLocalDescription(desc)
		}
		return nil
	}

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	c.resumeRestart()
	return nil
}

// dropOffer forgets the held offer and reports whether there was one.
func (c *pionConnection) dropOffer() bool {
	c.mu.Lock()
	offer, restart := c.offer, c.offerRestart
	c.offer, c.offerRestart = nil, false
	c.mu.Unlock()

	if offer == nil {
		return false
	}
	if restart {
		c.restart.Store(true)
	}
	c.report(webrtc.SignalingStateStable)
	return true
}

func (c *pionConnection) pendingOffer() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer
}

// resumeRestart requests negotiation for an ICE restart that was deferred
// while an offer was outstanding.
func (c *pionConnection) resumeRestart() {
	if !c.restart.Load() || c.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}

	c.mu.Lock()
	f := c.onNegotiationNeeded
	c.mu.Unlock()

	if f != nil {
		go f()
	}
}

func (c *pionConnection) LocalDescription() *webrtc.SessionDescription {
	if offer := c.pendingOffer(); offer != nil {
		desc := *offer
		return &desc
	}
	return c.pc.LocalDescription()
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if offer := c.pendingOffer(); offer != nil {
		if desc.Type == webrtc.SDPTypeOffer {
			// A remote offer replaces the held one.
			c.dropOffer()
		} else {
			if err := c.pc.SetLocalDescription(*offer); err != nil {
				c.dropOffer()
				return NewError("apply local offer", err)
			}
			c.mu.Lock()
			c.offer, c.offerRestart = nil, false
			c.mu.Unlock()
		}
	}

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	queued := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, candidate := range queued {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.log.Debug("failed to add queued ice candidate", "error", err)
		}
	}

	c.resumeRestart()
	return nil
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.candidates = append(c.candidates, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.pc.AddICECandidate(candidate)
}

func (c *pionConnection) SetConfiguration(iceServers []webrtc.ICEServer) error {
	cfg := c.pc.GetConfiguration()
	cfg.ICEServers = iceServers
	return c.pc.SetConfiguration(cfg)
}

func (c *pionConnection) RestartICE() {
	c.restart.Store(true)

	c.mu.Lock()
	f := c.onNegotiationNeeded
	c.mu.Unlock()

	if f != nil {
		go f()
	}
}

func (c *pionConnection) Close() error {
	c.mu.Lock()
	c.offer = nil
	c.candidates = nil
	c.mu.Unlock()

	return c.pc.Close()
}

func (c *pionConnection) SignalingState() webrtc.SignalingState {
	if c.pendingOffer() != nil {
		return webrtc.SignalingStateHaveLocalOffer
	}
	return c.pc.SignalingState()
}

func (c *pionConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return c.pc.ICEConnectionState()
}

func (c *pionConnection) ICEGatheringState() webrtc.ICEGatheringState {
	return c.pc.ICEGatheringState()
}

func (c *pionConnection) OnTrack(f func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := &pionRemoteTrack{track: track, receiver: receiver, conn: c}
		go rt.drain()
		f(rt)
	})
}

func (c *pionConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(f)
}

func (c *pionConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(f)
}

func (c *pionConnection) OnICEGatheringStateChange(f func(webrtc.ICEGatheringState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGathering = f
}

func (c *pionConnection) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	c.mu.Lock()
	c.onSignaling = f
	c.mu.Unlock()

	c.pc.OnSignalingStateChange(c.report)
}

// report passes a signaling state change on unless it repeats the last one.
// Applying a held offer moves pion to a state that was already reported.
func (c *pionConnection) report(state webrtc.SignalingState) {
	c.mu.Lock()
	if state == c.reported {
		c.mu.Unlock()
		return
	}
	c.reported = state
	f := c.onSignaling
	c.mu.Unlock()

	if f != nil {
		go f(state)
	}
}

func (c *pionConnection) OnNegotiationNeeded(f func()) {
	c.mu.Lock()
	c.onNegotiationNeeded = f
	c.mu.Unlock()

	c.pc.OnNegotiationNeeded(f)
}

// OnICECandidate also derives gathering state changes, which pion reports
// through the candidate stream.
func (c *pionConnection) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		c.updateGathering()

		if candidate == nil {
			f(nil)
			return
		}
		init := candidate.ToJSON()
		f(&init)
	})
}

func (c *pionConnection) updateGathering() {
	state := c.pc.ICEGatheringState()

	c.mu.Lock()
	changed := state != c.gathering
	c.gathering = state
	f := c.onGathering
	c.mu.Unlock()

	if changed && f != nil {
		f(state)
	}
}

func (c *pionConnection) direction(t *webrtc.RTPTransceiver) webrtc.RTPTransceiverDirection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.directions[t]; ok {
		return d
	}
	return t.Direction()
}

// receiving reports whether media arriving on receiver should be kept.
func (c *pionConnection) receiving(receiver *webrtc.RTPReceiver) bool {
	for _, t := range c.pc.GetTransceivers() {
		if t.Receiver() != receiver {
			continue
		}
		switch c.direction(t) {
		case webrtc.RTPTransceiverDirectionSendonly, webrtc.RTPTransceiverDirectionInactive:
			return false
		}
		return true
	}
	return true
}

type pionTransceiver struct {
	t    *webrtc.RTPTransceiver
	conn *pionConnection
}

func (t *pionTransceiver) Kind() webrtc.RTPCodecType { return t.t.Kind() }

func (t *pionTransceiver) Direction() webrtc.RTPTransceiverDirection {
	return t.conn.direction(t.t)
}

func (t *pionTransceiver) SetDirection(d webrtc.RTPTransceiverDirection) error {
	switch d {
	case webrtc.RTPTransceiverDirectionSendrecv, webrtc.RTPTransceiverDirectionSendonly,
		webrtc.RTPTransceiverDirectionRecvonly, webrtc.RTPTransceiverDirectionInactive:
	default:
		return WrapError("set direction", ErrUnsupportedDirection, d.String())
	}

	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.directions[t.t] = d
	return nil
}

func (t *pionTransceiver) Sender() Sender {
	s := t.t.Sender()
	if s == nil {
		return nil
	}
	return &pionSender{s: s}
}

type pionSender struct {
	s *webrtc.RTPSender
}

// Track returns the bound track, or nil while pion's placeholder track from
// AddTransceiverFromKind is in place.
func (s *pionSender) Track() Track {
	if t, ok := s.s.Track().(Track); ok {
		return t
	}
	return nil
}

func (s *pionSender) ReplaceTrack(t Track) error {
	if t == nil {
		return s.s.ReplaceTrack(nil)
	}
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return ErrUnsupportedTrack
	}
	return s.s.ReplaceTrack(local)
}

type pionRemoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	conn     *pionConnection
	packets  atomic.Uint64
}

func (t *pionRemoteTrack) ID() string                { return t.track.ID() }
func (t *pionRemoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *pionRemoteTrack) Stop() error               { return t.receiver.Stop() }

// Packets counts the RTP packets kept from this track.
func (t *pionRemoteTrack) Packets() uint64 { return t.packets.Load() }

// drain reads the track until it ends so the interceptors keep running.
func (t *pionRemoteTrack) drain() {
	for {
		if _, _, err := t.track.ReadRTP(); err != nil {
			return
		}
		if t.conn.receiving(t.receiver) {
			t.packets.Add(1)
		}
	}
}
