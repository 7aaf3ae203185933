// Package room keeps one MediaPeer per remote participant of a room in step
// with the relay's membership snapshots and fans local tracks out to them.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camuschat/camus-sub000/internal/events"
	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

// Manager events.
const (
	EventMediaPeer        = "mediapeer"
	EventMediaPeerRemoved = "mediapeerremoved"
	EventText             = "text"
)

const (
	// DefaultIceConcurrency bounds parallel ICE server updates.
	DefaultIceConcurrency = 4

	openPollInterval = 100 * time.Millisecond
	inboxSize        = 1024
)

// Signaler is the relay connection a Manager drives. *signaling.Signaler
// implements it.
type Signaler interface {
	rtc.Signaler

	On(event string, fn events.Listener) (remove func())
	Connect(ctx context.Context) error
	ConnectionState() signaling.ConnectionState
	Send(msg *signaling.Message) error
	Ping(ctx context.Context) (string, error)
	FetchIceServers(ctx context.Context) ([]signaling.IceServer, error)
	GetRoomInfo(ctx context.Context) (*signaling.RoomInfo, error)
	Profile(username string) error
	Text(text, from string, at time.Time) error
	Shutdown()
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Signaler Signaler
	Factory  rtc.Factory
	Username string

	// IceConcurrency bounds how many peers reconfigure ICE at once.
	IceConcurrency int

	Logger *slog.Logger
}

// Manager owns the peers of one room.
type Manager struct {
	signaler Signaler
	factory  rtc.Factory
	handler  *MessageHandler
	log      *slog.Logger
	events   events.Emitter
	iceLimit int

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *signaling.Message
	wg     sync.WaitGroup

	mu         sync.RWMutex
	selfID     string
	username   string
	peers      map[string]*rtc.MediaPeer
	tracks     map[string]rtc.Track
	iceServers []webrtc.ICEServer
	texts      []signaling.Text
	started    bool

	unsubscribe  []func()
	shutdownOnce sync.Once
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Username == "" {
		cfg.Username = signaling.DefaultUsername
	}
	if cfg.IceConcurrency <= 0 {
		cfg.IceConcurrency = DefaultIceConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		signaler: cfg.Signaler,
		factory:  cfg.Factory,
		handler:  NewMessageHandler(),
		log:      cfg.Logger.With("component", "room"),
		iceLimit: cfg.IceConcurrency,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan *signaling.Message, inboxSize),
		username: cfg.Username,
		peers:    make(map[string]*rtc.MediaPeer),
		tracks:   make(map[string]rtc.Track),
	}
}

// Start connects to the relay, learns this client's id, fetches ICE servers
// and reconciles peers with the current room membership. Messages that
// arrive meanwhile are queued and handled once the id is known.
func (m *Manager) Start(ctx context.Context) error {
	if m.ctx.Err() != nil {
		return ErrShutdown
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.unsubscribe = append(m.unsubscribe,
		m.signaler.On(signaling.EventMessage, m.enqueue),
		m.signaler.On(signaling.EventOpen, m.onReconnect),
	)
	m.mu.Unlock()

	if err := m.signaler.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	if err := m.waitOpen(ctx); err != nil {
		return err
	}

	selfID, err := m.signaler.Ping(ctx)
	if err != nil {
		return fmt.Errorf("discover client id: %w", err)
	}
	m.mu.Lock()
	m.selfID = selfID
	m.mu.Unlock()
	m.log.Info("joined relay", "self", selfID)

	servers, err := m.signaler.FetchIceServers(ctx)
	if err != nil {
		m.log.Warn("no ice servers from relay, using host candidates only", "error", err)
	} else if err := m.SetIceServers(servers); err != nil {
		m.log.Warn("failed to apply ice servers", "error", err)
	}

	m.wg.Add(1)
	go m.dispatch()

	if m.Username() != signaling.DefaultUsername {
		if err := m.signaler.Profile(m.Username()); err != nil {
			m.log.Warn("failed to announce username", "error", err)
		}
	}

	info, err := m.signaler.GetRoomInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetch room info: %w", err)
	}
	return m.UpdatePeers(info)
}

func (m *Manager) waitOpen(ctx context.Context) error {
	ticker := time.NewTicker(openPollInterval)
	defer ticker.Stop()

	for m.signaler.ConnectionState() != signaling.StateOpen {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("wait for relay connection: %w", ctx.Err())
		case <-m.ctx.Done():
			return ErrShutdown
		}
	}
	return nil
}

func (m *Manager) enqueue(args ...any) {
	msg, ok := args[0].(*signaling.Message)
	if !ok {
		return
	}
	select {
	case m.inbox <- msg:
	case <-m.ctx.Done():
	}
}

// dispatch handles queued messages one at a time, preserving per-peer order.
func (m *Manager) dispatch() {
	defer m.wg.Done()

	for {
		select {
		case msg := <-m.inbox:
			if err := m.handler.Dispatch(m, msg); err != nil {
				m.log.Warn("failed to handle message", "type", msg.Type, "sender", msg.Sender, "error", err)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// onReconnect rejoins after the signaler re-established its transport. The
// relay issues a new id per connection, so peers tied to the old one are
// dropped and rebuilt from a fresh snapshot.
func (m *Manager) onReconnect(...any) {
	m.mu.RLock()
	ready := m.selfID != ""
	m.mu.RUnlock()
	if !ready {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, signaling.DefaultRequestTimeout)
		defer cancel()

		selfID, err := m.signaler.Ping(ctx)
		if err != nil {
			m.log.Warn("failed to rejoin relay", "error", err)
			return
		}

		m.mu.Lock()
		changed := selfID != m.selfID
		m.selfID = selfID
		m.mu.Unlock()

		if changed {
			m.log.Info("rejoined relay with a new id", "self", selfID)
			for _, p := range m.Peers() {
				m.RemovePeer(p.ID())
			}
		}

		if m.Username() != signaling.DefaultUsername {
			if err := m.signaler.Profile(m.Username()); err != nil {
				m.log.Warn("failed to announce username", "error", err)
			}
		}

		info, err := m.signaler.GetRoomInfo(ctx)
		if err != nil {
			m.log.Warn("failed to fetch room info after reconnect", "error", err)
			return
		}
		if err := m.UpdatePeers(info); err != nil {
			m.log.Warn("failed to reconcile peers after reconnect", "error", err)
		}
	}()
}

// On subscribes to a Manager event.
func (m *Manager) On(event string, fn events.Listener) (remove func()) {
	return m.events.On(event, fn)
}

// AddMessageListener calls fn for every dispatched message matching pattern,
// after the built-in handling.
func (m *Manager) AddMessageListener(pattern signaling.Pattern, fn func(*signaling.Message)) (remove func()) {
	return m.handler.AddListener(pattern, fn)
}

// SelfID returns the id the relay assigned to this client.
func (m *Manager) SelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

func (m *Manager) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.username
}

// UpdatePeers reconciles the peer map with a room snapshot: peers that left
// are shut down, new participants get a peer and usernames are refreshed.
// Failures for individual peers are collected and do not stop the pass.
func (m *Manager) UpdatePeers(info *signaling.RoomInfo) error {
	selfID := m.SelfID()
	if selfID == "" {
		m.log.Debug("ignoring room info before the client id is known")
		return nil
	}

	present := make(map[string]bool, len(info.Clients))
	for _, c := range info.Clients {
		present[c.ID] = true
	}

	for _, p := range m.Peers() {
		if !present[p.ID()] {
			m.RemovePeer(p.ID())
		}
	}

	var errs []error
	for _, c := range info.Clients {
		if c.ID == selfID {
			continue
		}
		peer, err := m.GetOrCreatePeer(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		peer.SetUsername(c.Username)
	}
	return errors.Join(errs...)
}

// GetOrCreatePeer returns the peer for p, creating and connecting it on
// first use. A new peer starts sending every current local track.
func (m *Manager) GetOrCreatePeer(p signaling.Participant) (*rtc.MediaPeer, error) {
	if m.ctx.Err() != nil {
		return nil, ErrShutdown
	}

	m.mu.Lock()
	if peer, ok := m.peers[p.ID]; ok {
		m.mu.Unlock()
		return peer, nil
	}
	if m.selfID == "" {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}

	peer, err := m.newPeerLocked(p)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.peers[p.ID] = peer
	m.mu.Unlock()

	m.log.Info("peer added", "peer", p.ID, "username", p.Username, "polite", peer.Polite())
	m.events.Emit(EventMediaPeer, peer)
	return peer, nil
}

func (m *Manager) newPeerLocked(p signaling.Participant) (*rtc.MediaPeer, error) {
	conn, err := m.factory.NewConnection(m.iceServers)
	if err != nil {
		return nil, rtc.NewPeerError("create connection", p.ID, err)
	}

	username := p.Username
	if username == "" {
		username = signaling.DefaultUsername
	}

	peer, err := rtc.NewMediaPeer(rtc.PeerConfig{
		ID:       p.ID,
		Username: username,
		SelfID:   m.selfID,
		Conn:     conn,
		Signaler: m.signaler,
		Logger:   m.log,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := peer.Connect(); err != nil {
		peer.Shutdown()
		return nil, err
	}

	for name, t := range m.tracks {
		if err := peer.AddTrack(t); err != nil {
			m.log.Warn("failed to send track to new peer", "peer", p.ID, "track", name, "error", err)
		}
	}
	return peer, nil
}

// RemovePeer shuts down and forgets the peer with the given id. Unknown ids
// are ignored.
func (m *Manager) RemovePeer(id string) {
	m.mu.Lock()
	peer, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	peer.Shutdown()
	m.log.Info("peer removed", "peer", id)
	m.events.Emit(EventMediaPeerRemoved, id)
}

// Peer returns the peer with the given id.
func (m *Manager) Peer(id string) (*rtc.MediaPeer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peer, ok := m.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return peer, nil
}

// Peers returns a snapshot of the current peers.
func (m *Manager) Peers() []*rtc.MediaPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*rtc.MediaPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

// Tracks returns the local tracks by name.
func (m *Manager) Tracks() map[string]rtc.Track {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracks := make(map[string]rtc.Track, len(m.tracks))
	for name, t := range m.tracks {
		tracks[name] = t
	}
	return tracks
}

// AddTrack publishes t under name to every peer, current and future.
func (m *Manager) AddTrack(name string, t rtc.Track) error {
	m.mu.Lock()
	if _, ok := m.tracks[name]; ok {
		m.mu.Unlock()
		return rtc.WrapError("add track", ErrTrackExists, name)
	}
	m.tracks[name] = t
	m.mu.Unlock()

	return m.eachPeer(func(p *rtc.MediaPeer) error {
		return p.AddTrack(t)
	})
}

// ReplaceTrack swaps the track published under name for t and stops the old
// one.
func (m *Manager) ReplaceTrack(name string, t rtc.Track) error {
	m.mu.Lock()
	old, ok := m.tracks[name]
	if !ok {
		m.mu.Unlock()
		return rtc.WrapError("replace track", ErrTrackNotFound, name)
	}
	m.tracks[name] = t
	m.mu.Unlock()

	err := m.eachPeer(func(p *rtc.MediaPeer) error {
		return p.ReplaceTrack(old.ID(), t)
	})
	if stopErr := old.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	return err
}

// SetTrack publishes t under name, replacing any track already there.
func (m *Manager) SetTrack(name string, t rtc.Track) error {
	m.mu.RLock()
	_, ok := m.tracks[name]
	m.mu.RUnlock()

	if ok {
		return m.ReplaceTrack(name, t)
	}
	return m.AddTrack(name, t)
}

// RemoveTrack stops publishing the track under name without stopping it.
func (m *Manager) RemoveTrack(name string) error {
	m.mu.Lock()
	t, ok := m.tracks[name]
	if !ok {
		m.mu.Unlock()
		return rtc.WrapError("remove track", ErrTrackNotFound, name)
	}
	delete(m.tracks, name)
	m.mu.Unlock()

	return m.eachPeer(func(p *rtc.MediaPeer) error {
		if err := p.RemoveTrack(t.ID()); err != nil && !errors.Is(err, ErrTrackNotFound) {
			return err
		}
		return nil
	})
}

// StopTrack removes the track under name and stops it.
func (m *Manager) StopTrack(name string) error {
	m.mu.RLock()
	t, ok := m.tracks[name]
	m.mu.RUnlock()
	if !ok {
		return rtc.WrapError("stop track", ErrTrackNotFound, name)
	}

	err := m.RemoveTrack(name)
	return errors.Join(err, t.Stop())
}

// eachPeer applies fn to every peer and joins the failures.
func (m *Manager) eachPeer(fn func(*rtc.MediaPeer) error) error {
	var errs []error
	for _, p := range m.Peers() {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetUsername announces a new display name to the room.
func (m *Manager) SetUsername(name string) error {
	m.mu.Lock()
	m.username = name
	m.mu.Unlock()

	return m.signaler.Profile(name)
}

// SetIceServers stores the enabled servers for future peers and applies them
// to current peers, restarting ICE on each.
func (m *Manager) SetIceServers(servers []signaling.IceServer) error {
	active := signaling.EnabledIceServers(servers)

	m.mu.Lock()
	m.iceServers = active
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(m.iceLimit)
	for _, p := range m.Peers() {
		g.Go(func() error {
			if err := p.SetICEServers(active); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// IceServers returns the servers new peers are created with.
func (m *Manager) IceServers() []webrtc.ICEServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]webrtc.ICEServer(nil), m.iceServers...)
}

// SendText broadcasts a chat line to the room. It is recorded when the relay
// echoes it back.
func (m *Manager) SendText(text string) error {
	return m.signaler.Text(text, m.Username(), time.Now())
}

// TextMessages returns the chat history in arrival order.
func (m *Manager) TextMessages() []signaling.Text {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]signaling.Text(nil), m.texts...)
}

func (m *Manager) appendText(t signaling.Text) {
	m.mu.Lock()
	m.texts = append(m.texts, t)
	m.mu.Unlock()

	m.events.Emit(EventText, t)
}

// Shutdown stops message handling, closes every peer and then the signaler.
// Only the first call has any effect.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		for _, p := range m.Peers() {
			m.RemovePeer(p.ID())
		}

		m.mu.Lock()
		unsubscribe := m.unsubscribe
		m.unsubscribe = nil
		m.mu.Unlock()
		for _, remove := range unsubscribe {
			remove()
		}
		m.signaler.Shutdown()
		m.log.Info("room manager shut down")
	})
}
