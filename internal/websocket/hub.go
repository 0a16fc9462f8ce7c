package websocket

import (
	"context"
	"sync"
	"time"

	"chat-relay/internal/metrics"
	"chat-relay/pkg/logger"
)

// outbound is a frame queued for fan-out. A nil target means every
// registered session except exceptID.
type outbound struct {
	payload  []byte
	exceptID string
	target   *Client
}

// Hub owns the set of live sessions. Registration, removal and every send
// happen on the Run goroutine, so frames leave in the order they were
// queued and a send channel is only ever closed once.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.Sessions.Set(float64(count))
			logger.Info("Session %s connected from %s. Total sessions: %d", client.id, client.addr, count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			if h.remove(client) {
				logger.Info("Session %s disconnected. Total sessions: %d", client.id, h.SessionCount())
			}

		case msg := <-h.broadcast:
			if msg.target != nil {
				h.sendTo(msg.target, msg.payload)
				continue
			}
			h.broadcastToAll(msg)
		}
	}
}

// Register adds a session and starts its pumps. It reports false when the
// hub is shutting down; the caller then owns the connection.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a session. Removing an unknown or already evicted
// session is a no-op.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast queues payload for every session except exceptID. Once the hub
// is shut down the frame is dropped instead of blocking the caller.
func (h *Hub) Broadcast(payload []byte, exceptID string) {
	h.enqueue(outbound{payload: payload, exceptID: exceptID})
}

// SendTo queues payload for a single session.
func (h *Hub) SendTo(c *Client, payload []byte) {
	h.enqueue(outbound{payload: payload, target: c})
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	}
}

func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastToAll(msg outbound) {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.id != msg.exceptID {
			clients = append(clients, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.sendTo(client, msg.payload)
	}
}

// sendTo never blocks: a session whose buffer is full is evicted and its
// transport closed, which the session treats as an ordinary disconnect.
func (h *Hub) sendTo(client *Client, payload []byte) {
	h.mutex.RLock()
	_, ok := h.clients[client]
	h.mutex.RUnlock()
	if !ok {
		return
	}

	select {
	case client.send <- payload:
	default:
		if h.remove(client) {
			metrics.DroppedSessions.Inc()
			logger.Warn("Session %s evicted due to full send buffer", client.id)
		}
	}
}

func (h *Hub) remove(client *Client) bool {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client)
	count := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	metrics.Sessions.Set(float64(count))
	return true
}

func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
	logger.Info("Closed %d sessions", len(clients))
}

// Shutdown stops the hub, closes every session and waits for their pumps
// to exit, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("Initiating hub shutdown...")
	h.cancel()

	deadline := time.After(timeout)
	select {
	case <-h.done:
	case <-deadline:
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logger.Info("Hub shutdown completed")
		return nil
	case <-deadline:
		logger.Warn("Hub shutdown timed out, some sessions may still be closing")
		return context.DeadlineExceeded
	}
}
