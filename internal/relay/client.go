package relay

import (
	"log/slog"
	"time"

	"github.com/camuschat/camus-sub000/internal/signaling"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for WebRTC SDP messages

	sendBuffer = 256
)

// Client is a single websocket connection to the relay.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec signaling.Codec
	log   *slog.Logger

	// Owned by the hub goroutine.
	id       string
	username string
	roomID   string
	room     *Room

	// Room settings requested when connecting.
	password string
	public   bool

	// send is a buffered channel for all outbound messages. The hub closes
	// it when the client is unregistered.
	send chan *signaling.Message
}

// readPump pumps messages from the websocket connection to the hub.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		var msg signaling.Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}

		if !c.hub.deliver(c, &msg) {
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			data, err := c.codec.Marshal(msg)
			if err != nil {
				c.log.Error("failed to encode message", "type", msg.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.log.Warn("write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
