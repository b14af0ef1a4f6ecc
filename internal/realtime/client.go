package realtime

import (
	"time"

	"print-workflow/internal/auth"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 16
)

// Client is a middleman between the websocket connection and its session
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan Message
	session *Session
	logger  *zap.Logger
}

// NewClient creates a client whose session serves the identity's role view
func NewClient(hub *Hub, conn *websocket.Conn, identity auth.Identity, fetcher ViewFetcher) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		logger: hub.logger,
	}
	c.session = NewSession(identity, fetcher, c.enqueue)
	return c
}

// Session returns the client's session
func (c *Client) Session() *Session {
	return c.session
}

func (c *Client) enqueue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.session.Done():
		return false
	default:
		return false
	}
}

// Start registers the session and begins pumping messages
func (c *Client) Start() {
	c.hub.Register(c.session)
	go c.writePump()
	go c.readPump()
}

// readPump handles client keepalive and explicit refresh requests
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.session)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Unexpected websocket close", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MessageTypePing:
			c.enqueue(Message{Type: MessageTypePong})
		case MessageTypeRefresh:
			c.session.Refresh()
		}
	}
}

// writePump pushes queued messages and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.session.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("Failed to write websocket message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
