package relay

import (
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
	"golang.org/x/crypto/bcrypt"
)

// Room is a set of clients that can address each other. Clients are kept in
// join order so room-info snapshots are stable.
//
// The first client to join sets the room's password and visibility.
type Room struct {
	ID      string
	clients []*Client

	passwordHash []byte
	public       bool
	lastActive   time.Time
}

// RoomSummary describes a public room in the room listing.
type RoomSummary struct {
	ID     string `json:"room_id"`
	Guests int    `json:"guests"`
	Locked bool   `json:"locked"`

	// ActiveAgo is the number of whole minutes since the room was last
	// active.
	ActiveAgo int `json:"active_ago"`
}

func newRoom(id string, creator *Client, cost int, now time.Time) (*Room, error) {
	r := &Room{ID: id, public: creator.public, lastActive: now}
	if creator.password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(creator.password), cost)
		if err != nil {
			return nil, err
		}
		r.passwordHash = hash
	}
	return r, nil
}

// authenticate reports whether password opens the room. Rooms without a
// password admit everyone.
func (r *Room) authenticate(password string) bool {
	if r.passwordHash == nil {
		return true
	}
	return bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)) == nil
}

func (r *Room) touch(now time.Time) {
	if now.After(r.lastActive) {
		r.lastActive = now
	}
}

func (r *Room) idle(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(r.lastActive) > timeout
}

func (r *Room) summary(now time.Time) RoomSummary {
	return RoomSummary{
		ID:        r.ID,
		Guests:    len(r.clients),
		Locked:    r.passwordHash != nil,
		ActiveAgo: int(now.Sub(r.lastActive) / time.Minute),
	}
}

func (r *Room) add(c *Client) {
	r.clients = append(r.clients, c)
	c.room = r
}

func (r *Room) remove(c *Client) bool {
	for i, other := range r.clients {
		if other == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			c.room = nil
			return true
		}
	}
	return false
}

func (r *Room) empty() bool {
	return len(r.clients) == 0
}

// full reports whether limit guests are already present. Zero means no limit.
func (r *Room) full(limit int) bool {
	return limit > 0 && len(r.clients) >= limit
}

// Info returns the membership snapshot sent as room-info.
func (r *Room) Info() signaling.RoomInfo {
	info := signaling.RoomInfo{RoomID: r.ID, Clients: make([]signaling.Participant, 0, len(r.clients))}
	for _, c := range r.clients {
		info.Clients = append(info.Clients, signaling.Participant{ID: c.id, Username: c.username})
	}
	return info
}
