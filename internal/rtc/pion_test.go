package rtc_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/camuschat/camus-sub000/internal/logging"
	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/rtc/rtctest"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()

	wan, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewPionFactory(quiet),
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("NewNet(%s) error = %v", ip, err)
		}
		if err := wan.AddNet(n); err != nil {
			t.Fatalf("AddNet(%s) error = %v", ip, err)
		}
		nets = append(nets, n)
	}

	if err := wan.Start(); err != nil {
		t.Fatalf("router Start() error = %v", err)
	}
	t.Cleanup(func() { _ = wan.Stop() })

	return nets
}

// newPionPeer creates the peer that self keeps for remote on network n.
func newPionPeer(t *testing.T, loop *rtctest.Loopback, self, remote string, n *vnet.Net) *rtc.MediaPeer {
	t.Helper()

	conn, err := rtc.NewPionFactory(rtc.PionConfig{Net: n, Logger: quiet}).NewConnection(nil)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	p, err := rtc.NewMediaPeer(rtc.PeerConfig{ID: remote, SelfID: self, Conn: conn, Signaler: loop.Endpoint(self), Logger: quiet})
	if err != nil {
		t.Fatalf("NewMediaPeer() error = %v", err)
	}
	loop.Attach(self, p)
	t.Cleanup(p.Shutdown)
	return p
}

func bothConnected(a, b *rtc.MediaPeer) func() bool {
	return func() bool {
		return a.ConnectionState() == webrtc.PeerConnectionStateConnected &&
			b.ConnectionState() == webrtc.PeerConnectionStateConnected
	}
}

func TestPionPairConnectsOverVNet(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full ICE/DTLS handshake")
	}

	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	loop := rtctest.NewLoopback()
	t.Cleanup(loop.Close)

	a := newPionPeer(t, loop, "a", "b", nets[0])
	b := newPionPeer(t, loop, "b", "a", nets[1])

	if err := a.Connect(); err != nil {
		t.Fatalf("a.Connect() error = %v", err)
	}
	waitFor(t, "offer from a", func() bool { return loop.Sent("a").Offers >= 1 })
	if err := b.Connect(); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}

	waitWithin(t, 30*time.Second, "pion peers connected", bothConnected(a, b))

	silence, err := rtc.NewSilentAudioTrack("mic")
	if err != nil {
		t.Fatalf("NewSilentAudioTrack() error = %v", err)
	}
	defer silence.Stop()

	if err := a.AddTrack(silence); err != nil {
		t.Fatalf("AddTrack() error = %v", err)
	}
	if tracks := a.Tracks(); len(tracks) != 1 || tracks[0].ID() != "mic" {
		t.Errorf("Tracks() = %v, want [mic]", tracks)
	}
}

func TestPionPairResolvesOfferCollision(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full ICE/DTLS handshake")
	}

	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	loop := rtctest.NewLoopback()
	t.Cleanup(loop.Close)

	a := newPionPeer(t, loop, "a", "b", nets[0])
	b := newPionPeer(t, loop, "b", "a", nets[1])

	// Both offers are in flight before either side sees the other's.
	loop.Hold()
	if err := a.Connect(); err != nil {
		t.Fatalf("a.Connect() error = %v", err)
	}
	if err := b.Connect(); err != nil {
		t.Fatalf("b.Connect() error = %v", err)
	}
	waitFor(t, "offers from both sides", func() bool {
		return loop.Sent("a").Offers >= 1 && loop.Sent("b").Offers >= 1
	})
	if a.SignalingState() != webrtc.SignalingStateHaveLocalOffer || b.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("signaling states = %s / %s, want have-local-offer on both", a.SignalingState(), b.SignalingState())
	}
	loop.Release()

	waitWithin(t, 30*time.Second, "pion peers connected after collision", bothConnected(a, b))

	if got := loop.Sent("a").Answers; got < 1 {
		t.Errorf("polite side sent %d answers, want at least 1", got)
	}
}

func TestPionRollsBackLocalOffer(t *testing.T) {
	nets := newVNet(t, "10.0.0.1")
	conn, err := rtc.NewPionFactory(rtc.PionConfig{Net: nets[0], Logger: quiet}).NewConnection(nil)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.AddTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatalf("AddTransceiver() error = %v", err)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer) error = %v", err)
	}
	if got := conn.SignalingState(); got != webrtc.SignalingStateHaveLocalOffer {
		t.Fatalf("SignalingState() = %s, want have-local-offer", got)
	}
	if desc := conn.LocalDescription(); desc == nil || desc.SDP != offer.SDP {
		t.Errorf("LocalDescription() = %v, want the pending offer", desc)
	}
	if _, err := conn.CreateOffer(); !errors.Is(err, rtc.ErrOfferPending) {
		t.Errorf("second CreateOffer() error = %v, want %v", err, rtc.ErrOfferPending)
	}

	if err := conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		t.Fatalf("rollback error = %v", err)
	}
	if got := conn.SignalingState(); got != webrtc.SignalingStateStable {
		t.Errorf("SignalingState() after rollback = %s, want stable", got)
	}
	if desc := conn.LocalDescription(); desc != nil {
		t.Errorf("LocalDescription() after rollback = %v, want nil", desc)
	}

	again, err := conn.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() after rollback error = %v", err)
	}
	if err := conn.SetLocalDescription(again); err != nil {
		t.Errorf("SetLocalDescription() after rollback error = %v", err)
	}
}

func TestPionAnswersAfterRollback(t *testing.T) {
	nets := newVNet(t, "10.0.0.1", "10.0.0.2")

	newConn := func(n *vnet.Net) rtc.Connection {
		conn, err := rtc.NewPionFactory(rtc.PionConfig{Net: n, Logger: quiet}).NewConnection(nil)
		if err != nil {
			t.Fatalf("NewConnection() error = %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		if _, err := conn.AddTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
			t.Fatalf("AddTransceiver() error = %v", err)
		}
		return conn
	}
	polite, impolite := newConn(nets[0]), newConn(nets[1])

	offer := func(c rtc.Connection) webrtc.SessionDescription {
		o, err := c.CreateOffer()
		if err != nil {
			t.Fatalf("CreateOffer() error = %v", err)
		}
		if err := c.SetLocalDescription(o); err != nil {
			t.Fatalf("SetLocalDescription(offer) error = %v", err)
		}
		return o
	}
	offer(polite)
	theirs := offer(impolite)

	if err := polite.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		t.Fatalf("rollback error = %v", err)
	}
	if err := polite.SetRemoteDescription(theirs); err != nil {
		t.Fatalf("SetRemoteDescription(offer) error = %v", err)
	}
	answer, err := polite.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer() error = %v", err)
	}
	if err := polite.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer) error = %v", err)
	}
	if err := impolite.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer) error = %v", err)
	}

	for name, c := range map[string]rtc.Connection{"polite": polite, "impolite": impolite} {
		if got := c.SignalingState(); got != webrtc.SignalingStateStable {
			t.Errorf("%s SignalingState() = %s, want stable", name, got)
		}
	}
	if desc := impolite.LocalDescription(); desc == nil || desc.Type != webrtc.SDPTypeOffer {
		t.Errorf("impolite LocalDescription() = %v, want the applied offer", desc)
	}
}

func TestPionTransceiverDirectionIsLocal(t *testing.T) {
	nets := newVNet(t, "10.0.0.1")
	conn, err := rtc.NewPionFactory(rtc.PionConfig{Net: nets[0], Logger: quiet}).NewConnection(nil)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	defer conn.Close()

	tr, err := conn.AddTransceiver(webrtc.RTPCodecTypeVideo)
	if err != nil {
		t.Fatalf("AddTransceiver() error = %v", err)
	}
	if err := tr.SetDirection(webrtc.RTPTransceiverDirectionSendonly); err != nil {
		t.Fatalf("SetDirection() error = %v", err)
	}
	if got := conn.Transceivers()[0].Direction(); got != webrtc.RTPTransceiverDirectionSendonly {
		t.Errorf("Direction() = %s, want sendonly", got)
	}
	if err := tr.SetDirection(webrtc.RTPTransceiverDirectionUnknown); !errors.Is(err, rtc.ErrUnsupportedDirection) {
		t.Errorf("SetDirection(unknown) error = %v, want %v", err, rtc.ErrUnsupportedDirection)
	}
}

func TestLocalTrackStop(t *testing.T) {
	track, err := rtc.NewSilentAudioTrack("mic")
	if err != nil {
		t.Fatalf("NewSilentAudioTrack() error = %v", err)
	}
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("Kind() = %s, want audio", track.Kind())
	}

	if err := track.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := track.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	select {
	case <-track.Done():
	default:
		t.Errorf("Done() not closed after Stop")
	}
}
