package rtc_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/rtc/rtctest"
	"github.com/pion/webrtc/v4"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitWithin(t, 5*time.Second, what, cond)
}

func waitWithin(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type pair struct {
	loop   *rtctest.Loopback
	a, b   *rtc.MediaPeer
	ca, cb *rtctest.Conn
}

// newPair wires peers "a" and "b" to each other through a loopback.
func newPair(t *testing.T) *pair {
	t.Helper()

	loop := rtctest.NewLoopback()
	ca := rtctest.NewConn("a", nil)
	cb := rtctest.NewConn("b", nil)

	a, err := rtc.NewMediaPeer(rtc.PeerConfig{ID: "b", SelfID: "a", Conn: ca, Signaler: loop.Endpoint("a")})
	if err != nil {
		t.Fatalf("NewMediaPeer(a) error = %v", err)
	}
	b, err := rtc.NewMediaPeer(rtc.PeerConfig{ID: "a", SelfID: "b", Conn: cb, Signaler: loop.Endpoint("b")})
	if err != nil {
		t.Fatalf("NewMediaPeer(b) error = %v", err)
	}

	loop.Attach("a", a)
	loop.Attach("b", b)

	t.Cleanup(func() {
		a.Shutdown()
		b.Shutdown()
		loop.Close()
	})

	return &pair{loop: loop, a: a, b: b, ca: ca, cb: cb}
}

func (p *pair) waitConnected(t *testing.T) {
	t.Helper()
	waitFor(t, "both peers connected", func() bool {
		return p.a.ConnectionState() == webrtc.PeerConnectionStateConnected &&
			p.b.ConnectionState() == webrtc.PeerConnectionStateConnected
	})
}

func (p *pair) waitSettled(t *testing.T) {
	t.Helper()
	waitFor(t, "both peers stable", func() bool {
		return p.a.SignalingState() == webrtc.SignalingStateStable &&
			p.b.SignalingState() == webrtc.SignalingStateStable
	})
}

func TestPoliteIsSymmetric(t *testing.T) {
	ids := [][2]string{
		{"a", "b"},
		{"3f2a", "3f2b"},
		{"10", "9"},
		{"Z", "a"},
		{"peer", "peer-1"},
	}

	for _, ab := range ids {
		x, y := ab[0], ab[1]
		if rtc.Polite(x, y) == rtc.Polite(y, x) {
			t.Errorf("Polite(%q, %q) = Polite(%q, %q) = %v; want exactly one polite side",
				x, y, y, x, rtc.Polite(x, y))
		}
	}
}

func TestNewMediaPeerRejectsInvalidID(t *testing.T) {
	for _, id := range []string{"", "self"} {
		_, err := rtc.NewMediaPeer(rtc.PeerConfig{ID: id, SelfID: "self", Conn: rtctest.NewConn("x", nil)})
		if !errors.Is(err, rtc.ErrInvalidPeerID) {
			t.Errorf("NewMediaPeer(ID=%q) error = %v, want ErrInvalidPeerID", id, err)
		}
	}
}

func TestSimultaneousConnectReachesConnected(t *testing.T) {
	p := newPair(t)

	if err := p.a.Connect(); err != nil {
		t.Fatalf("a.Connect() error = %v", err)
	}
	if err := p.b.Connect(); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}

	p.waitConnected(t)

	if got := p.loop.Sent("a").Candidates; got == 0 {
		t.Errorf("a sent %d candidates, want at least 1", got)
	}
	if got := p.loop.Sent("b").Candidates; got == 0 {
		t.Errorf("b sent %d candidates, want at least 1", got)
	}
}

func TestCollisionImpoliteOfferWins(t *testing.T) {
	p := newPair(t)

	if !p.a.Polite() || p.b.Polite() {
		t.Fatalf("Polite: a=%v b=%v, want a polite and b impolite", p.a.Polite(), p.b.Polite())
	}

	p.loop.Hold()
	if err := p.a.Connect(); err != nil {
		t.Fatalf("a.Connect() error = %v", err)
	}
	if err := p.b.Connect(); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}

	waitFor(t, "both peers offering", func() bool {
		return p.a.SignalingState() == webrtc.SignalingStateHaveLocalOffer &&
			p.b.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	})

	p.loop.Release()
	p.waitConnected(t)
	p.waitSettled(t)

	if got := p.ca.Stats().Rollbacks; got == 0 {
		t.Errorf("polite peer rollbacks = %d, want at least 1", got)
	}
	if got := p.cb.Stats().Rollbacks; got != 0 {
		t.Errorf("impolite peer rollbacks = %d, want 0", got)
	}
	if got := p.loop.Sent("a").Answers; got == 0 {
		t.Errorf("polite peer sent %d answers, want at least 1", got)
	}
}

func TestImpoliteIgnoresCollidingOffer(t *testing.T) {
	p := newPair(t)

	p.loop.Hold()
	if err := p.b.Connect(); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}
	waitFor(t, "b offering", func() bool {
		return p.b.SignalingState() == webrtc.SignalingStateHaveLocalOffer
	})

	err := p.b.OnOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer x v1 restart=false"})
	if err != nil {
		t.Fatalf("OnOffer() error = %v", err)
	}

	if got := p.b.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Errorf("signaling state = %s, want have-local-offer", got)
	}
	if got := p.loop.Sent("b").Answers; got != 0 {
		t.Errorf("answers sent = %d, want 0", got)
	}
}

func TestDescriptionTypeMismatch(t *testing.T) {
	p := newPair(t)

	err := p.a.OnOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	if !errors.Is(err, rtc.ErrTypeMismatch) {
		t.Errorf("OnOffer(answer) error = %v, want ErrTypeMismatch", err)
	}

	err = p.a.OnAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"})
	if !errors.Is(err, rtc.ErrTypeMismatch) {
		t.Errorf("OnAnswer(offer) error = %v, want ErrTypeMismatch", err)
	}

	if got := p.a.SignalingState(); got != webrtc.SignalingStateStable {
		t.Errorf("signaling state = %s, want stable", got)
	}
}

func TestStaleAnswerIsSwallowed(t *testing.T) {
	p := newPair(t)

	err := p.a.OnAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer b"})
	if err != nil {
		t.Errorf("OnAnswer() in stable error = %v, want nil", err)
	}
	p.a.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 b.invalid 9 typ host"})
}

func TestAddThenReplaceTrackReusesSender(t *testing.T) {
	p := newPair(t)
	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	t1 := rtctest.NewTrack("mic-1", webrtc.RTPCodecTypeAudio)
	t2 := rtctest.NewTrack("mic-2", webrtc.RTPCodecTypeAudio)

	if err := p.a.AddTrack(t1); err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}
	if n := len(p.ca.Senders()); n != 2 {
		t.Errorf("senders after AddTrack = %d, want the 2 transceiver senders reused", n)
	}

	if err := p.a.ReplaceTrack(t1.ID(), t2); err != nil {
		t.Fatalf("ReplaceTrack() error = %v", err)
	}

	carrying := 0
	for _, s := range p.ca.Senders() {
		switch s.Track() {
		case t2:
			carrying++
		case t1:
			t.Errorf("sender still carries replaced track")
		}
	}
	if carrying != 1 {
		t.Errorf("senders carrying new track = %d, want 1", carrying)
	}

	tracks := p.a.Tracks()
	if len(tracks) != 1 || tracks[0].ID() != t2.ID() {
		t.Errorf("Tracks() = %v, want [%s]", tracks, t2.ID())
	}

	if err := p.a.AddTrack(t2); !errors.Is(err, rtc.ErrTrackExists) {
		t.Errorf("AddTrack(duplicate) error = %v, want ErrTrackExists", err)
	}
}

func TestAddTrackWithoutIdleSenderCreatesOne(t *testing.T) {
	p := newPair(t)

	track := rtctest.NewTrack("camera", webrtc.RTPCodecTypeVideo)
	if err := p.a.AddTrack(track); err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}
	if n := len(p.ca.Senders()); n != 1 {
		t.Fatalf("senders = %d, want 1", n)
	}

	if err := p.a.RemoveTrack(track.ID()); err != nil {
		t.Fatalf("RemoveTrack() error = %v", err)
	}
	if got := p.a.Tracks(); len(got) != 0 {
		t.Errorf("Tracks() after remove = %v, want none", got)
	}
}

func TestRemoveUnknownTrack(t *testing.T) {
	p := newPair(t)

	track := rtctest.NewTrack("mic", webrtc.RTPCodecTypeAudio)
	if err := p.a.AddTrack(track); err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}

	if err := p.a.RemoveTrack("screen"); !errors.Is(err, rtc.ErrTrackNotFound) {
		t.Errorf("RemoveTrack(unknown) error = %v, want ErrTrackNotFound", err)
	}
	if err := p.a.ReplaceTrack("screen", track); !errors.Is(err, rtc.ErrTrackNotFound) {
		t.Errorf("ReplaceTrack(unknown) error = %v, want ErrTrackNotFound", err)
	}

	if got := p.a.Tracks(); len(got) != 1 || got[0] != track {
		t.Errorf("Tracks() = %v, want unchanged [mic]", got)
	}
}

func TestRemoteVideoDirection(t *testing.T) {
	p := newPair(t)
	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	direction := func() webrtc.RTPTransceiverDirection {
		for _, tr := range p.ca.Transceivers() {
			if tr.Kind() == webrtc.RTPCodecTypeVideo {
				return tr.Direction()
			}
		}
		return webrtc.RTPTransceiverDirectionUnknown
	}

	if err := p.a.DisableRemoteVideo(); err != nil {
		t.Fatalf("DisableRemoteVideo() error = %v", err)
	}
	if got := direction(); got != webrtc.RTPTransceiverDirectionSendonly {
		t.Errorf("direction = %s, want sendonly", got)
	}

	if err := p.a.EnableRemoteVideo(); err != nil {
		t.Fatalf("EnableRemoteVideo() error = %v", err)
	}
	if got := direction(); got != webrtc.RTPTransceiverDirectionSendrecv {
		t.Errorf("direction = %s, want sendrecv", got)
	}
}

func TestICEFailureTriggersRestart(t *testing.T) {
	p := newPair(t)
	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	p.waitConnected(t)
	p.waitSettled(t)

	offers := p.loop.Sent("a").Offers + p.loop.Sent("b").Offers
	p.ca.FailICE()

	waitFor(t, "ice restart", func() bool { return p.ca.Stats().Restarts == 1 })
	waitFor(t, "restart offer", func() bool {
		return p.loop.Sent("a").Offers+p.loop.Sent("b").Offers > offers
	})
}

func TestSetICEServers(t *testing.T) {
	p := newPair(t)

	servers := []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	if err := p.a.SetICEServers(servers); err != nil {
		t.Fatalf("SetICEServers() error = %v", err)
	}

	stats := p.ca.Stats()
	if len(stats.ICEServers) != 1 || stats.ICEServers[0].URLs[0] != servers[0].URLs[0] {
		t.Errorf("ICEServers = %v, want %v", stats.ICEServers, servers)
	}
	if stats.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", stats.Restarts)
	}
}

func TestSetUsernameEmitsOnChange(t *testing.T) {
	p := newPair(t)

	var names []string
	p.a.On(rtc.EventUsernameChange, func(args ...any) { names = append(names, args[0].(string)) })

	p.a.SetUsername("Ziggy")
	p.a.SetUsername("Ziggy")
	p.a.SetUsername("Major Tom")

	if len(names) != 2 || names[0] != "Ziggy" || names[1] != "Major Tom" {
		t.Errorf("usernamechange events = %v, want [Ziggy Major Tom]", names)
	}
	if got := p.a.Username(); got != "Major Tom" {
		t.Errorf("Username() = %q, want %q", got, "Major Tom")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	p := newPair(t)
	if err := p.a.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	p.waitConnected(t)
	waitFor(t, "remote tracks", func() bool { return len(p.a.RemoteTracks()) > 0 })

	var shutdowns atomic.Int32
	p.a.On(rtc.EventShutdown, func(...any) { shutdowns.Add(1) })

	p.a.Shutdown()
	p.a.Shutdown()

	if got := shutdowns.Load(); got != 1 {
		t.Errorf("shutdown events = %d, want 1", got)
	}
	if got := p.loop.Sent("a").Byes; got != 1 {
		t.Errorf("byes sent = %d, want 1", got)
	}
	if !p.ca.Stats().Closed {
		t.Errorf("connection not closed")
	}
	for _, rt := range p.a.RemoteTracks() {
		if !rt.(*rtctest.RemoteTrack).Stopped() {
			t.Errorf("remote track %s not stopped", rt.ID())
		}
	}

	if err := p.a.AddTrack(rtctest.NewTrack("late", webrtc.RTPCodecTypeAudio)); !errors.Is(err, rtc.ErrPeerClosed) {
		t.Errorf("AddTrack after shutdown error = %v, want ErrPeerClosed", err)
	}
}
