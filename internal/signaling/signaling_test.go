package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camuschat/camus-sub000/internal/relay"
	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()

	s := relay.NewServer(relay.Config{
		STUNURLs: []string{"stun:stun.example.org:3478"},
		Logger:   quiet,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func connect(t *testing.T, cfg signaling.Config) *signaling.Signaler {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = quiet
	}
	s := signaling.NewSignaler(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

// recorder is a bare websocket endpoint that stores every frame it receives
// and never replies.
type recorder struct {
	mu       sync.Mutex
	messages []signaling.Message
	conns    atomic.Int32
	drop     bool
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	up := websocket.Upgrader{Subprotocols: []string{signaling.SubprotocolJSON}}
	conn, err := up.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if r.conns.Add(1) == 1 && r.drop {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		r.mu.Unlock()
	}
}

func (r *recorder) received(typ signaling.Type) []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []signaling.Message
	for _, m := range r.messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPatternMatch(t *testing.T) {
	msg := &signaling.Message{
		Sender:   signaling.GroundControl,
		Receiver: "abc",
		Type:     signaling.TypePong,
		Data:     json.RawMessage(`{"a": 1}`),
	}

	cases := []struct {
		name    string
		pattern signaling.Pattern
		want    bool
	}{
		{"empty matches anything", signaling.Pattern{}, true},
		{"sender and type", signaling.Pattern{Sender: signaling.GroundControl, Type: signaling.TypePong}, true},
		{"data compares compacted", signaling.Pattern{Data: json.RawMessage(`{"a":1}`)}, true},
		{"wrong type", signaling.Pattern{Type: signaling.TypePing}, false},
		{"wrong receiver", signaling.Pattern{Receiver: "xyz"}, false},
		{"wrong data", signaling.Pattern{Data: json.RawMessage(`{"a":2}`)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.pattern.Match(msg); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}

	if (signaling.Pattern{}).Match(nil) {
		t.Error("Match(nil) = true")
	}
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	var v signaling.Profile
	for _, data := range []json.RawMessage{nil, json.RawMessage("null")} {
		msg := &signaling.Message{Type: signaling.TypeProfile, Data: data}
		if err := msg.Decode(&v); !errors.Is(err, signaling.ErrEmptyPayload) {
			t.Errorf("Decode(%q) = %v, want ErrEmptyPayload", data, err)
		}
	}
}

func TestIceServerEnabledDefaultsTrue(t *testing.T) {
	var servers []signaling.IceServer
	raw := `[{"urls":["stun:a"]},{"urls":["turn:b"],"username":"u","credential":"p","enabled":false}]`
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		t.Fatal(err)
	}
	if !servers[0].Enabled || servers[1].Enabled {
		t.Fatalf("enabled = %v, %v", servers[0].Enabled, servers[1].Enabled)
	}

	active := signaling.EnabledIceServers(servers)
	if len(active) != 1 || active[0].URLs[0] != "stun:a" {
		t.Errorf("EnabledIceServers = %+v", active)
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]signaling.Codec{
		"":                           signaling.JSON,
		"json":                       signaling.JSON,
		signaling.SubprotocolMsgPack: signaling.MsgPack,
	} {
		got, err := signaling.CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}

	if _, err := signaling.CodecByName("xml"); !errors.Is(err, signaling.ErrUnknownCodec) {
		t.Errorf("CodecByName(xml) error = %v", err)
	}
}

func TestMsgPackKeepsJSONPayload(t *testing.T) {
	msg, err := signaling.NewMessage("peer", signaling.TypeText, signaling.Text{From: "Ann", Time: 7, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	b, err := signaling.MsgPack.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var got signaling.Message
	if err := signaling.MsgPack.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}

	var text signaling.Text
	if err := got.Decode(&text); err != nil {
		t.Fatal(err)
	}
	if got.Receiver != "peer" || text.Text != "hi" || text.Time != 7 {
		t.Errorf("round trip = %+v / %+v", got, text)
	}
}

func TestPingReturnsSelfID(t *testing.T) {
	srv := newRelay(t)
	s := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby")})

	if got := s.ConnectionState(); got != signaling.StateOpen {
		t.Fatalf("ConnectionState = %s, want open", got)
	}

	id, err := s.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if id == "" {
		t.Fatal("Ping returned empty id")
	}

	info, err := s.GetRoomInfo(context.Background())
	if err != nil {
		t.Fatalf("GetRoomInfo: %v", err)
	}
	if _, ok := info.Find(id); !ok {
		t.Errorf("room-info %+v does not list %s", info, id)
	}
}

func TestSendRightAfterConnect(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := signaling.NewSignaler(signaling.Config{URL: wsURL(srv, "/"), Logger: quiet})
	defer s.Shutdown()

	var opens atomic.Int32
	s.On(signaling.EventOpen, func(...any) { opens.Add(1) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if opens.Load() != 1 {
		t.Errorf("open events after Connect = %d, want 1", opens.Load())
	}
	if got := s.ConnectionState(); got != signaling.StateOpen {
		t.Errorf("ConnectionState after Connect = %s, want open", got)
	}
	if err := s.Greeting("peer", "ground control to major tom"); err != nil {
		t.Fatalf("Greeting right after Connect: %v", err)
	}

	waitFor(t, "greeting", func() bool { return len(rec.received(signaling.TypeGreeting)) == 1 })
}

func TestPingRightAfterConnect(t *testing.T) {
	srv := newRelay(t)
	s := signaling.NewSignaler(signaling.Config{URL: wsURL(srv, "/ws/lobby"), Logger: quiet})
	defer s.Shutdown()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The pong must carry the same timestamp the ping sent.
	ping, err := signaling.NewMessage(signaling.GroundControl, signaling.TypePing, time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	pong, err := s.SendReceive(context.Background(), ping, signaling.Pattern{Type: signaling.TypePong, Data: ping.Data})
	if err != nil {
		t.Fatalf("SendReceive(ping): %v", err)
	}
	if pong.Sender != signaling.GroundControl {
		t.Errorf("pong sender = %q, want %q", pong.Sender, signaling.GroundControl)
	}
}

func TestMsgPackAgainstRelay(t *testing.T) {
	srv := newRelay(t)
	s := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby"), Codec: signaling.MsgPack})

	if _, err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping over msgpack: %v", err)
	}
}

func TestFetchIceServers(t *testing.T) {
	srv := newRelay(t)
	s := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby")})

	servers, err := s.FetchIceServers(context.Background())
	if err != nil {
		t.Fatalf("FetchIceServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("servers = %+v", servers)
	}
}

func TestPeersExchangeMessages(t *testing.T) {
	srv := newRelay(t)
	a := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby")})
	b := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby")})

	bID, err := b.Ping(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan *signaling.Message, 8)
	b.On(signaling.EventMessage, func(args ...any) {
		msg := args[0].(*signaling.Message)
		if msg.Type == signaling.TypeOffer || msg.Type == signaling.TypeText {
			got <- msg
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := a.Offer(bID, offer); err != nil {
		t.Fatal(err)
	}
	if err := a.Text("hello", "Ann", time.UnixMilli(99)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-got:
		var desc webrtc.SessionDescription
		if err := msg.Decode(&desc); err != nil {
			t.Fatal(err)
		}
		if desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0" {
			t.Errorf("offer = %+v", desc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("offer not delivered")
	}

	select {
	case msg := <-got:
		var text signaling.Text
		if err := msg.Decode(&text); err != nil {
			t.Fatal(err)
		}
		if text.From != "Ann" || text.Text != "hello" || text.Time != 99 {
			t.Errorf("text = %+v", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("text not delivered")
	}
}

func TestSendReceiveTimesOut(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	defer srv.Close()

	s := connect(t, signaling.Config{URL: wsURL(srv, "/"), RequestTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := s.Ping(context.Background())
	if !errors.Is(err, signaling.ErrRequestTimeout) {
		t.Fatalf("Ping error = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestSendReceiveHonoursContext(t *testing.T) {
	srv := httptest.NewServer(&recorder{})
	defer srv.Close()

	s := connect(t, signaling.Config{URL: wsURL(srv, "/")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetRoomInfo(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetRoomInfo error = %v, want context.Canceled", err)
	}
}

func TestCandidatesAndByeOnTheWire(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := connect(t, signaling.Config{URL: wsURL(srv, "/")})

	mid := "0"
	if err := s.ICECandidate("peer", &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}); err != nil {
		t.Fatal(err)
	}
	if err := s.ICECandidate("peer", nil); err != nil {
		t.Fatal(err)
	}
	s.Shutdown()

	var candidates []signaling.Message
	waitFor(t, "candidates", func() bool {
		candidates = rec.received(signaling.TypeICECandidate)
		return len(candidates) == 2
	})
	if string(candidates[1].Data) != "null" {
		t.Errorf("end of candidates data = %s, want null", candidates[1].Data)
	}

	waitFor(t, "bye", func() bool { return len(rec.received(signaling.TypeBye)) == 1 })
	if bye := rec.received(signaling.TypeBye)[0]; bye.Receiver != signaling.GroundControl {
		t.Errorf("bye receiver = %q", bye.Receiver)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	s := signaling.NewSignaler(signaling.Config{URL: "ws://127.0.0.1:1/ws", Logger: quiet})
	defer s.Shutdown()

	if err := s.Profile("Ann"); !errors.Is(err, signaling.ErrNotConnected) {
		t.Errorf("Profile error = %v, want ErrNotConnected", err)
	}
	if got := s.ConnectionState(); got != signaling.StateClosed {
		t.Errorf("ConnectionState = %s, want closed", got)
	}
}

func TestConnectFailureIsReported(t *testing.T) {
	s := signaling.NewSignaler(signaling.Config{URL: "ws://127.0.0.1:1/ws", Logger: quiet})
	defer s.Shutdown()

	var errs atomic.Int32
	s.On(signaling.EventError, func(...any) { errs.Add(1) })

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded")
	}
	if errs.Load() != 1 {
		t.Errorf("error events = %d, want 1", errs.Load())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv := newRelay(t)
	s := connect(t, signaling.Config{URL: wsURL(srv, "/ws/lobby")})

	var shutdowns, closes atomic.Int32
	s.On(signaling.EventShutdown, func(...any) { shutdowns.Add(1) })
	s.On(signaling.EventClose, func(...any) { closes.Add(1) })

	s.Shutdown()
	s.Shutdown()

	if shutdowns.Load() != 1 {
		t.Errorf("shutdown events = %d, want 1", shutdowns.Load())
	}
	if closes.Load() != 1 {
		t.Errorf("close events = %d, want 1", closes.Load())
	}
	if got := s.ConnectionState(); got != signaling.StateClosed {
		t.Errorf("ConnectionState = %s, want closed", got)
	}
	if err := s.Profile("Ann"); !errors.Is(err, signaling.ErrShutdown) {
		t.Errorf("Profile after shutdown = %v, want ErrShutdown", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, signaling.ErrShutdown) {
		t.Errorf("Connect after shutdown = %v, want ErrShutdown", err)
	}
}

func TestReconnectsAfterTransportLoss(t *testing.T) {
	rec := &recorder{drop: true}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	s := signaling.NewSignaler(signaling.Config{
		URL:            wsURL(srv, "/"),
		ReconnectDelay: 50 * time.Millisecond,
		Logger:         quiet,
	})
	defer s.Shutdown()

	var opens, closes atomic.Int32
	s.On(signaling.EventOpen, func(...any) { opens.Add(1) })
	s.On(signaling.EventClose, func(...any) { closes.Add(1) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "second open", func() bool { return opens.Load() == 2 })
	if closes.Load() < 1 {
		t.Errorf("close events = %d, want at least 1", closes.Load())
	}
	waitFor(t, "open state", func() bool { return s.ConnectionState() == signaling.StateOpen })

	if err := s.Profile("Ann"); err != nil {
		t.Fatalf("Profile after reconnect: %v", err)
	}
	waitFor(t, "profile", func() bool { return len(rec.received(signaling.TypeProfile)) == 1 })
}
