package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

const clientBuffer = 16

// Client is one live subscriber to a session's updates.
type Client struct {
	ClientID    string
	SessionID   uuid.UUID
	ConnectedAt time.Time
	Updates     chan *contest.Session
}

// Hub fans committed session states out to subscribers grouped by session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Updates)
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Watch registers a subscriber for sessionID.
func (h *Hub) Watch(sessionID uuid.UUID) (<-chan *contest.Session, func()) {
	c := &Client{
		ClientID:    uuid.NewString(),
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		Updates:     make(chan *contest.Session, clientBuffer),
	}
	h.Register(c)
	var once sync.Once
	return c.Updates, func() {
		once.Do(func() { h.Unregister(c.ClientID) })
	}
}

// Publish delivers session to every subscriber of its session.
func (h *Hub) Publish(session *contest.Session) {
	if session == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.SessionID == session.SessionID {
			trySend(c, session.Clone())
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Updates)
		delete(h.clients, id)
	}
}

// trySend never blocks the publisher. A slow subscriber loses its oldest
// pending state, since every state supersedes the previous one.
func trySend(c *Client, s *contest.Session) bool {
	for i := 0; i < 2; i++ {
		select {
		case c.Updates <- s:
			return true
		default:
		}
		select {
		case <-c.Updates:
		default:
		}
	}
	return false
}
