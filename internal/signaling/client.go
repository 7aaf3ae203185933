package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/camuschat/camus-sub000/internal/dns"
	"github.com/camuschat/camus-sub000/internal/events"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Defaults applied by NewSignaler.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// ConnectionState mirrors the websocket ready states.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
)

// Signaler events.
const (
	EventOpen     = "open"
	EventClose    = "close"
	EventError    = "error"
	EventMessage  = "message"
	EventShutdown = "shutdown"
)

// Config configures a Signaler.
type Config struct {
	// URL is the relay websocket endpoint, e.g. wss://host/ws/room.
	URL string

	// Codec is requested as websocket subprotocol. Defaults to JSON; the
	// relay's choice wins when it answers with another subprotocol.
	Codec Codec

	// ReconnectDelay is the fixed wait between connection attempts after the
	// transport is lost.
	ReconnectDelay time.Duration

	// RequestTimeout bounds SendReceive calls whose context has no deadline.
	RequestTimeout time.Duration

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer

	// Header is sent with the websocket handshake.
	Header http.Header

	Logger *slog.Logger
}

// Signaler owns the websocket to the relay. Incoming messages are emitted as
// EventMessage in delivery order; outgoing messages are queued to a single
// writer goroutine.
type Signaler struct {
	cfg    Config
	log    *slog.Logger
	events events.Emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	codec    Codec
	outgoing chan *Message
	connDone chan struct{}
	running  bool

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewSignaler creates a signaler. Call Connect to open the transport.
func NewSignaler(cfg Config) *Signaler {
	if cfg.Codec == nil {
		cfg.Codec = JSON
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Signaler{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "signaler"),
		ctx:    ctx,
		cancel: cancel,
		state:  StateClosed,
	}
}

// On subscribes to a signaler event.
func (s *Signaler) On(event string, fn events.Listener) (remove func()) {
	return s.events.On(event, fn)
}

// ConnectionState reports the state of the current transport.
func (s *Signaler) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the relay and keeps the transport alive until Shutdown. The
// first attempt is made synchronously so configuration errors surface here;
// later losses are retried in the background after ReconnectDelay.
func (s *Signaler) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateClosed)
		s.events.Emit(EventError, err)
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	// The transport is open and Send works once Connect returns.
	l := s.open(conn)

	s.wg.Add(1)
	go s.supervise(l)
	return nil
}

func (s *Signaler) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if s.cfg.Dialer != nil {
		dialer = *s.cfg.Dialer
	}
	dialer.Subprotocols = []string{s.cfg.Codec.Subprotocol()}

	if dialer.NetDialContext == nil && dialer.NetDial == nil {
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			resolvedIP, err := dns.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}

			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
		}
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// supervise serves one connection at a time and re-dials after losses.
func (s *Signaler) supervise(l *link) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		s.serve(l)
		if s.ctx.Err() != nil {
			return
		}

		next, err := s.redial()
		if err != nil {
			return
		}
		l = s.open(next)
	}
}

func (s *Signaler) redial() (*websocket.Conn, error) {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), s.ctx)

	var conn *websocket.Conn
	op := func() error {
		s.setState(StateConnecting)
		c, err := s.dial(s.ctx)
		if err != nil {
			s.setState(StateClosed)
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("signaling connection attempt failed", "error", err, "retry_in", wait)
		s.events.Emit(EventError, err)
		s.events.Emit(EventClose)
	}

	select {
	case <-time.After(s.cfg.ReconnectDelay):
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// link is one open websocket with its writer.
type link struct {
	conn       *websocket.Conn
	codec      Codec
	done       chan struct{}
	writerDone chan struct{}
}

// open installs conn as the current transport, starts its writer and emits
// EventOpen.
func (s *Signaler) open(conn *websocket.Conn) *link {
	codec, err := CodecByName(conn.Subprotocol())
	if err != nil {
		codec = s.cfg.Codec
	}

	l := &link{
		conn:       conn,
		codec:      codec,
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	out := make(chan *Message, sendBuffer)

	s.mu.Lock()
	s.conn = conn
	s.codec = codec
	s.outgoing = out
	s.connDone = l.done
	s.state = StateOpen
	s.mu.Unlock()

	go func() {
		defer close(l.writerDone)
		s.writePump(conn, codec, out, l.done)
	}()

	s.log.Info("signaling connection open", "url", s.cfg.URL, "codec", codec.Subprotocol())
	s.events.Emit(EventOpen)
	return l
}

// serve reads from l until the connection is gone, then tears it down.
func (s *Signaler) serve(l *link) {
	s.readPump(l.conn, l.codec)

	s.mu.Lock()
	s.conn = nil
	s.outgoing = nil
	s.connDone = nil
	s.state = StateClosed
	s.mu.Unlock()

	close(l.done)
	<-l.writerDone

	s.log.Info("signaling connection closed", "url", s.cfg.URL)
	s.events.Emit(EventClose)
}

// readPump reads messages from the websocket connection.
func (s *Signaler) readPump(conn *websocket.Conn, codec Codec) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.log.Warn("signaling read failed", "error", err)
				s.events.Emit(EventError, err)
			}
			return
		}

		var msg Message
		if err := codec.Unmarshal(data, &msg); err != nil {
			s.log.Warn("dropping malformed signaling frame", "error", err)
			continue
		}

		s.log.Debug("<< received", "type", msg.Type, "sender", msg.Sender)
		s.events.Emit(EventMessage, &msg)
	}
}

// writePump writes queued messages and sends periodic pings. On shutdown it
// flushes what is already queued before closing the connection.
func (s *Signaler) writePump(conn *websocket.Conn, codec Codec, out <-chan *Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(msg *Message) error {
		data, err := codec.Marshal(msg)
		if err != nil {
			s.log.Error("failed to encode message", "type", msg.Type, "error", err)
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(codec.FrameType(), data)
	}

	for {
		select {
		case msg := <-out:
			if err := write(msg); err != nil {
				s.log.Warn("signaling write failed", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return

		case <-s.ctx.Done():
		drain:
			for {
				select {
				case msg := <-out:
					if err := write(msg); err != nil {
						return
					}
				default:
					break drain
				}
			}
			s.setState(StateClosing)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "goodbye"))
			return
		}
	}
}

func (s *Signaler) setState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Send queues msg for transmission.
func (s *Signaler) Send(msg *Message) error {
	if s.ctx.Err() != nil {
		return ErrShutdown
	}

	s.mu.Lock()
	out, done := s.outgoing, s.connDone
	s.mu.Unlock()

	if out == nil {
		return ErrNotConnected
	}

	s.log.Debug(">> sending", "type", msg.Type, "receiver", msg.Receiver)

	select {
	case out <- msg:
		return nil
	case <-done:
		return ErrNotConnected
	case <-s.ctx.Done():
		return ErrShutdown
	}
}

// SendReceive sends msg and waits for the first later message matching
// pattern. Without a deadline on ctx the configured RequestTimeout applies.
func (s *Signaler) SendReceive(ctx context.Context, msg *Message, pattern Pattern) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	response := make(chan *Message, 1)
	remove := s.events.On(EventMessage, func(args ...any) {
		m, ok := args[0].(*Message)
		if !ok || !pattern.Match(m) {
			return
		}
		select {
		case response <- m:
		default:
		}
	})
	defer remove()

	if err := s.Send(msg); err != nil {
		return nil, err
	}

	select {
	case m := <-response:
		return m, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no %s reply to %s", ErrRequestTimeout, pattern.Type, msg.Type)
		}
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrShutdown
	}
}

// Shutdown says bye to the relay when connected, closes the transport, stops
// reconnecting and emits EventShutdown. It is safe to call more than once.
func (s *Signaler) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.ConnectionState() == StateOpen {
			if err := s.Bye(GroundControl); err != nil {
				s.log.Debug("bye to ground control not sent", "error", err)
			}
		}

		s.cancel()
		s.wg.Wait()
		s.setState(StateClosed)

		s.log.Info("signaler shut down")
		s.events.Emit(EventShutdown)
	})
}
