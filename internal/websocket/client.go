package websocket

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var errRateLimited = errors.New("too many events, slow down")

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnected State = iota
	StateIdentified
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventHandler applies the events a session receives.
type EventHandler interface {
	Announce(connID, username string) ([]models.UserEntry, error)
	ReplaceRoster(originID string, raw json.RawMessage) ([]models.UserEntry, error)
	Disconnect(connID string) []models.UserEntry
}

// Client is one connected session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	addr    string
	handler EventHandler
	limiter *rate.Limiter
	maxSize int64
	state   atomic.Int32
}

func NewClient(hub *Hub, conn *websocket.Conn, handler EventHandler, cfg config.SocketConfig) (*Client, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, cfg.SendBuffer),
		id:      sessionID,
		addr:    conn.RemoteAddr().String(),
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(cfg.EventRate), cfg.EventBurst),
		maxSize: cfg.MaxMessageBytes,
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) readPump() {
	defer func() {
		prev := State(c.state.Swap(int32(StateDisconnected)))
		c.handler.Disconnect(c.id)
		c.hub.Unregister(c)
		c.conn.Close()
		logger.Debug("Session %s went from %s to disconnected", c.id, prev)
	}()

	if c.maxSize > 0 {
		c.conn.SetReadLimit(c.maxSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on session %s: %v", c.id, err)
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(message []byte) {
	if !c.limiter.Allow() {
		c.sendError("", errRateLimited)
		return
	}

	var env models.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		c.sendError("", fmt.Errorf("frame is not an event envelope: %w", models.ErrInvalidFormat))
		return
	}

	switch env.Event {
	case models.EventUsername:
		var username string
		if err := json.Unmarshal(env.Data, &username); err != nil {
			c.sendError(env.Event, fmt.Errorf("username must be a string: %w", models.ErrInvalidFormat))
			return
		}
		if _, err := c.handler.Announce(c.id, username); err != nil {
			c.sendError(env.Event, err)
			return
		}
		c.state.CompareAndSwap(int32(StateConnected), int32(StateIdentified))

	case models.EventSocketData:
		if _, err := c.handler.ReplaceRoster(c.id, env.Data); err != nil {
			c.sendError(env.Event, err)
		}

	default:
		c.sendError(env.Event, fmt.Errorf("unknown event %q: %w", env.Event, models.ErrInvalidInput))
	}
}

// sendError reports a failed inbound event to this session only. The
// payload is the reason as a plain string.
func (c *Client) sendError(event string, err error) {
	logger.Warn("Session %s: %q event rejected: %v", c.id, event, err)

	data, merr := models.NewEnvelope(models.EventError, err.Error())
	if merr != nil {
		logger.Error("Error marshaling error event: %v", merr)
		return
	}
	c.hub.SendTo(c, data)
}

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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error on session %s: %v", c.id, err)
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

func generateSessionID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", bytes), nil
}
