package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
)

// Greeting is sent by ground control to every client that connects.
const Greeting = "This is Ground Control to Major Tom: You've really made the grade. " +
	"Now it's time to leave the capsule if you dare."

// ErrHubStopped is returned by queries made after the hub stopped.
var ErrHubStopped = errors.New("hub stopped")

type inbound struct {
	client *Client
	msg    *signaling.Message
}

// Hub is the central brain of the relay. It owns every room and client; all
// state is mutated on the goroutine running Run.
type Hub struct {
	cfg Config
	log *slog.Logger

	rooms   map[string]*Room
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	listings   chan chan []RoomSummary
	done       chan struct{}
}

// NewHub creates a new Hub instance.
func NewHub(cfg Config) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "hub"),
		rooms:      make(map[string]*Room),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		listings:   make(chan chan []RoomSummary),
		done:       make(chan struct{}),
	}
}

// Run is the single goroutine that manages rooms and clients. It returns
// when ctx is cancelled, after disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var reap <-chan time.Time
	if h.cfg.RoomIdleTimeout > 0 {
		ticker := time.NewTicker(reapInterval(h.cfg.RoomIdleTimeout))
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unregister:
			h.remove(c, false)

		case in := <-h.inbound:
			if _, ok := h.clients[in.client.id]; !ok {
				continue
			}
			if in.client.room != nil {
				in.client.room.touch(h.cfg.Now())
			}
			h.route(in.client, in.msg)

		case reply := <-h.listings:
			reply <- h.publicRooms()

		case <-reap:
			h.expireRooms()

		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = map[string]*Client{}
			h.rooms = map[string]*Room{}
			h.log.Info("hub stopped")
			return
		}
	}
}

// reapInterval is how often rooms are checked for expiry.
func reapInterval(timeout time.Duration) time.Duration {
	return min(timeout/4, time.Minute)
}

// PublicRooms lists the rooms created as public, most recently active
// first.
func (h *Hub) PublicRooms(ctx context.Context) ([]RoomSummary, error) {
	reply := make(chan []RoomSummary, 1)
	select {
	case h.listings <- reply:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

func (h *Hub) publicRooms() []RoomSummary {
	now := h.cfg.Now()
	rooms := make([]RoomSummary, 0, len(h.rooms))
	for _, r := range h.rooms {
		if r.public {
			rooms = append(rooms, r.summary(now))
		}
	}
	slices.SortFunc(rooms, func(a, b RoomSummary) int {
		if c := cmp.Compare(a.ActiveAgo, b.ActiveAgo); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return rooms
}

// expireRooms sends every client of an idle room away. The room goes with
// its last client.
func (h *Hub) expireRooms() {
	now := h.cfg.Now()
	for _, r := range h.rooms {
		if !r.idle(now, h.cfg.RoomIdleTimeout) {
			continue
		}
		h.log.Info("room expired", "room", r.ID, "clients", len(r.clients))
		for _, c := range slices.Clone(r.clients) {
			h.remove(c, true)
		}
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(c *Client, msg *signaling.Message) bool {
	select {
	case h.inbound <- inbound{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(c *Client) {
	room, ok := h.rooms[c.roomID]
	if !ok {
		var err error
		if room, err = newRoom(c.roomID, c, h.cfg.PasswordCost, h.cfg.Now()); err != nil {
			h.log.Error("failed to create room", "room", c.roomID, "error", err)
			h.reject(c, "Failed to create room")
			return
		}
	}

	if !room.authenticate(c.password) {
		h.log.Info("wrong room password, rejecting client", "room", room.ID, "client", c.id)
		h.reject(c, "Incorrect password")
		return
	}
	if room.full(h.cfg.GuestLimit) {
		h.log.Info("room full, rejecting client", "room", room.ID, "client", c.id)
		h.reject(c, "Guest limit already reached")
		return
	}

	h.rooms[room.ID] = room
	h.clients[c.id] = c
	room.add(c)
	room.touch(h.cfg.Now())

	h.log.Info("client registered", "client", c.id, "room", room.ID, "remote", c.conn.RemoteAddr())

	h.send(c, h.reply(c, signaling.TypeGreeting, Greeting))
	h.broadcastRoomInfo(room)
}

// reject answers a client that was never registered with an error and
// closes it.
func (h *Hub) reject(c *Client, reason string) {
	c.send <- h.reply(c, signaling.TypeError, reason)
	close(c.send)
}

// remove drops c from its room and closes its send channel. Remaining room
// members get a fresh room-info.
func (h *Hub) remove(c *Client, sayBye bool) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)

	if sayBye {
		h.send(c, h.reply(c, signaling.TypeBye, time.Now().UnixMilli()))
	}
	close(c.send)

	room := c.room
	if room == nil {
		return
	}
	room.remove(c)
	h.log.Info("client unregistered", "client", c.id, "room", room.ID, "remaining", len(room.clients))

	if room.empty() {
		delete(h.rooms, room.ID)
		h.log.Info("room deleted", "room", room.ID)
		return
	}
	h.broadcastRoomInfo(room)
}

// route forwards msg according to its receiver. The sender is always the
// connection's own id.
func (h *Hub) route(c *Client, msg *signaling.Message) {
	msg.Sender = c.id

	switch msg.Receiver {
	case signaling.GroundControl:
		h.handleLocal(c, msg)

	case signaling.Room:
		if c.room == nil {
			return
		}
		for _, member := range c.room.clients {
			h.send(member, msg)
		}

	default:
		to, ok := h.clients[msg.Receiver]
		if !ok || to.room != c.room {
			h.log.Debug("dropping message for unknown recipient", "type", msg.Type, "sender", c.id, "receiver", msg.Receiver)
			return
		}
		h.send(to, msg)
	}
}

func (h *Hub) handleLocal(c *Client, msg *signaling.Message) {
	switch msg.Type {
	case signaling.TypePing:
		reply := h.reply(c, signaling.TypePong, nil)
		reply.Data = msg.Data
		h.send(c, reply)

	case signaling.TypePong:
		h.log.Debug("got pong", "client", c.id, "data", string(msg.Data))

	case signaling.TypeGreeting:
		h.log.Info("greeting received", "client", c.id, "data", string(msg.Data))

	case signaling.TypeProfile:
		var p signaling.Profile
		if err := msg.Decode(&p); err != nil {
			h.send(c, h.reply(c, signaling.TypeError, err.Error()))
			return
		}
		if p.Username != "" {
			c.username = p.Username
		}
		if c.room != nil {
			h.broadcastRoomInfo(c.room)
		}

	case signaling.TypeGetRoomInfo:
		if c.room != nil {
			h.send(c, h.reply(c, signaling.TypeRoomInfo, c.room.Info()))
		}

	case signaling.TypeGetIceServers:
		h.send(c, h.reply(c, signaling.TypeIceServers, h.iceServers(c.id)))

	case signaling.TypeBye:
		h.remove(c, true)

	default:
		h.send(c, h.reply(c, signaling.TypeError, fmt.Sprintf("Unknown message type: %s", msg.Type)))
	}
}

func (h *Hub) iceServers(clientID string) []signaling.IceServer {
	servers := make([]signaling.IceServer, 0, 2)
	if len(h.cfg.STUNURLs) > 0 {
		servers = append(servers, signaling.IceServer{
			URLs:    h.cfg.STUNURLs,
			Kind:    "stun",
			Enabled: true,
		})
	}

	if h.cfg.TURNURL != "" && h.cfg.TURNSecret != "" {
		username, password := TURNCredentials(h.cfg.TURNSecret, clientID, h.cfg.Now())
		servers = append(servers, signaling.IceServer{
			URLs:       []string{h.cfg.TURNURL},
			Kind:       "turn",
			Username:   username,
			Credential: password,
			Enabled:    true,
		})
	}
	return servers
}

func (h *Hub) broadcastRoomInfo(room *Room) {
	info := room.Info()
	for _, c := range room.clients {
		h.send(c, h.reply(c, signaling.TypeRoomInfo, info))
	}
}

// reply builds a message from ground control to c.
func (h *Hub) reply(c *Client, t signaling.Type, data any) *signaling.Message {
	msg, err := signaling.NewMessage(c.id, t, data)
	if err != nil {
		h.log.Error("failed to encode reply", "type", t, "error", err)
		msg = &signaling.Message{Receiver: c.id, Type: t}
	}
	msg.Sender = signaling.GroundControl
	return msg
}

// send queues msg for c without blocking the hub. Messages to a client whose
// buffer is full are dropped.
func (h *Hub) send(c *Client, msg *signaling.Message) {
	select {
	case c.send <- msg:
	default:
		h.log.Warn("client send buffer full, dropping message", "client", c.id, "type", msg.Type)
	}
}
