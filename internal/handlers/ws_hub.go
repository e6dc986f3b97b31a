package handlers

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tariel-x/duocall/internal/roomstore"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*roomstore.Subscription
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *wsClient) addSub(id string, sub *roomstore.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.subs[id]; old != nil {
		old.Cancel()
	}
	c.subs[id] = sub
}

func (c *wsClient) removeSub(id string) {
	c.mu.Lock()
	sub := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (c *wsClient) cancelSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*roomstore.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// WSHub tracks one store connection per session. A reconnecting session
// replaces its previous connection.
type WSHub struct {
	mu      sync.Mutex
	clients map[string]*wsClient // sessionID -> client
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[string]*wsClient),
	}
}

func (h *WSHub) Add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.clients[client.sessionID]; old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
	h.clients[client.sessionID] = client
}

// Remove drops client unless it was already replaced.
func (h *WSHub) Remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.closeSend()
	if h.clients[client.sessionID] == client {
		delete(h.clients, client.sessionID)
	}
}

func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client, used on shutdown.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, client := range clients {
		_ = client.conn.Close()
		client.closeSend()
	}
}
