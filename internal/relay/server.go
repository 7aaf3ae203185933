// Package relay implements the signaling relay: a websocket hub that groups
// clients into rooms, forwards their messages and answers requests addressed
// to ground control.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultGuestLimit caps room size when no limit is configured.
	DefaultGuestLimit = 10

	// DefaultRoomIdleTimeout is how long a room may go without traffic
	// before its clients are sent away.
	DefaultRoomIdleTimeout = time.Hour
)

// Config configures the relay server.
type Config struct {
	Addr string

	// STUNURLs and TURNURL are handed to clients asking for ICE servers.
	// TURN credentials are only issued when TURNSecret is set.
	STUNURLs   []string
	TURNURL    string
	TURNSecret string

	// GuestLimit caps the number of clients per room. Negative disables the
	// limit.
	GuestLimit int

	// RoomIdleTimeout closes rooms that carried no message for this long.
	// Negative disables expiry.
	RoomIdleTimeout time.Duration

	// PasswordCost is the bcrypt cost for room passwords.
	PasswordCost int

	Logger *slog.Logger

	// Now is the clock used for TURN credential expiry.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.GuestLimit == 0 {
		c.GuestLimit = DefaultGuestLimit
	}
	if c.RoomIdleTimeout == 0 {
		c.RoomIdleTimeout = DefaultRoomIdleTimeout
	}
	if c.PasswordCost == 0 {
		c.PasswordCost = bcrypt.DefaultCost
	}
}

// Server serves the relay's websocket and health endpoints.
type Server struct {
	cfg      Config
	log      *slog.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	cfg.defaults()
	return &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "relay"),
		hub: NewHub(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64 KB
			WriteBufferSize: 64 * 1024, // 64 KB
			Subprotocols:    []string{signaling.SubprotocolJSON, signaling.SubprotocolMsgPack},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start runs the hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx)
}

// Handler returns the relay's HTTP routes. Start must have been called.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /rooms", s.listRooms)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /ws/{room}", s.serveWs)
	return mux
}

// ListenAndServe starts the hub and serves on cfg.Addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("starting signaling relay", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// listRooms writes the public rooms, most recently active first.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.hub.PublicRooms(r.Context())
	if err != nil {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		s.log.Warn("failed to write room list", "error", err)
	}
}

// serveWs upgrades the request and registers a client in the requested room.
// Without a room a fresh name is picked. The password and public query
// parameters only take effect for the client that creates the room.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := strings.ToLower(r.PathValue("room"))
	if roomID == "" {
		roomID = NewRoomName()
	}
	if !ValidRoomName(roomID) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "error", err)
		return
	}

	codec, err := signaling.CodecByName(conn.Subprotocol())
	if err != nil {
		codec = signaling.JSON
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	client := &Client{
		hub:      s.hub,
		conn:     conn,
		codec:    codec,
		log:      s.log.With("client", id, "room", roomID),
		id:       id,
		username: signaling.DefaultUsername,
		roomID:   roomID,
		password: r.URL.Query().Get("password"),
		public:   isTrue(r.URL.Query().Get("public")),
		send:     make(chan *signaling.Message, sendBuffer),
	}

	if !s.hub.registerClient(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
