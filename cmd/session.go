package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camuschat/camus-sub000/internal/config"
	"github.com/camuschat/camus-sub000/internal/room"
	"github.com/camuschat/camus-sub000/internal/rtc"
	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/camuschat/camus-sub000/internal/ui"
	"github.com/camuschat/camus-sub000/internal/utils"
)

// Session is one participant's membership in a room: the signaler, the
// room manager and what the CLI reports about them.
type Session struct {
	Room    string
	URL     string
	Config  *config.Config
	Manager *room.Manager

	signaler *signaling.Signaler
	started  time.Time
	unwatch  func()

	mu   sync.Mutex
	seen map[string]struct{}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, rtc.NewError("load config", err)
	}

	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}

	return cfg, nil
}

// NewSession wires a signaler, a pion factory and a room manager for roomID.
func NewSession(cfg *config.Config, roomID string) *Session {
	url := cfg.RoomURL(roomID)

	forceRelay := cfg.ForceRelay
	if !forceRelay {
		if hint, reason := utils.RelayHint(); hint {
			slog.Info("network suggests relayed connections", "reason", reason)
			forceRelay = true
		}
	}

	signaler := signaling.NewSignaler(signaling.Config{
		URL:            url,
		Codec:          cfg.Codec,
		ReconnectDelay: cfg.ReconnectDelay,
		RequestTimeout: cfg.RequestTimeout,
	})

	manager := room.NewManager(room.ManagerConfig{
		Signaler: signaler,
		Factory:  rtc.NewPionFactory(rtc.PionConfig{ForceRelay: forceRelay}),
		Username: cfg.Username,
	})

	s := &Session{
		Room:     roomID,
		URL:      cfg.ShareURL(roomID),
		Config:   cfg,
		Manager:  manager,
		signaler: signaler,
		seen:     make(map[string]struct{}),
	}
	s.unwatch = manager.On(room.EventMediaPeer, func(args ...any) {
		if p, ok := args[0].(*rtc.MediaPeer); ok {
			s.mu.Lock()
			s.seen[p.ID()] = struct{}{}
			s.mu.Unlock()
		}
	})
	return s
}

// Start joins the room. Locally configured ICE servers are used when the
// relay offers none.
func (s *Session) Start(ctx context.Context) error {
	s.started = time.Now()

	if err := s.Manager.Start(ctx); err != nil {
		return err
	}

	if len(s.Manager.IceServers()) == 0 {
		if err := s.Manager.SetIceServers(s.Config.IceServers()); err != nil {
			slog.Warn("failed to apply local ICE servers", "error", err)
		}
	}
	return nil
}

// PublishSilentAudio adds a silent opus track sent to every peer.
func (s *Session) PublishSilentAudio() error {
	track, err := rtc.NewSilentAudioTrack("audio")
	if err != nil {
		return err
	}
	if err := s.Manager.AddTrack("audio", track); err != nil {
		_ = track.Stop()
		return err
	}
	return nil
}

// Snapshot reports the room as the monitor shows it.
func (s *Session) Snapshot() ui.Snapshot {
	return ui.Snapshot{
		Self:     s.Manager.SelfID(),
		Username: s.Manager.Username(),
		Peers:    ui.RowsFromPeers(s.Manager.Peers()),
		Texts:    s.Manager.TextMessages(),
	}
}

// Summary reports the session so far.
func (s *Session) Summary() ui.SessionSummary {
	s.mu.Lock()
	seen := len(s.seen)
	s.mu.Unlock()

	return ui.SessionSummary{
		Room:      s.Room,
		SelfID:    s.Manager.SelfID(),
		Username:  s.Manager.Username(),
		Duration:  time.Since(s.started),
		PeersSeen: seen,
		Messages:  len(s.Manager.TextMessages()),
		Relay:     s.URL,
	}
}

// Close leaves the room and stops every local track.
func (s *Session) Close() {
	s.unwatch()
	for name := range s.Manager.Tracks() {
		_ = s.Manager.StopTrack(name)
	}
	s.Manager.Shutdown()
}
