package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Client represents a connected WebSocket client
type Client struct {
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger
	send   chan Message
	done   chan struct{}
	once   sync.Once

	// one build per connection at a time
	building atomic.Bool
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		conn:   conn,
		server: s,
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) SendMessage(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		// Channel full, drop message
		c.logger.Warn("message channel full, dropping message", "type", msg.Type)
	}
}

func (c *Client) SendLog(message, level string) {
	c.SendMessage(NewLogMessage(message, level))
}

func (c *Client) SendProgress(finished, total int) {
	c.SendMessage(NewProgressMessage(finished, total))
}

func (c *Client) SendError(message string, err error) {
	c.SendMessage(NewErrorMessage(message, err))
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("error writing message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}

		switch msg.Type {
		case TypeBuild:
			c.handleBuild(msg)
		case TypePing:
			c.SendMessage(Message{Type: TypePong})
		default:
			c.SendError(fmt.Sprintf("Unknown message type: %s", msg.Type), nil)
		}
	}
}

func (c *Client) handleBuild(msg Message) {
	payload, err := ParseBuildPayload(msg)
	if err != nil {
		c.SendError("Failed to parse build request", err)
		return
	}
	req, err := payload.Request()
	if err != nil {
		c.SendError("Invalid build request", err)
		return
	}

	// Check if already building
	if !c.building.CompareAndSwap(false, true) {
		c.SendError("Build already in progress", nil)
		return
	}

	go func() {
		defer c.building.Store(false)

		report, shared, err := c.server.build(req, c)
		if err != nil {
			c.SendError("Build failed", err)
			return
		}
		c.SendMessage(NewCompleteMessage(report, shared))
	}()
}
