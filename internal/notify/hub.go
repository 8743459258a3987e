// Package notify pushes ban notices and redirect commands to the browser
// sessions of a user over websockets.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/triage-ai/safescan/internal/ban"
	"go.uber.org/zap"
)

// MessageType is the type field of every message sent to a client.
type MessageType string

const (
	MsgInstantBan MessageType = ban.NoticeType
	MsgNavigate   MessageType = "navigate"
)

// NavigateMessage tells a client to leave the current page.
type NavigateMessage struct {
	Type MessageType `json:"type"`
	Path string      `json:"path"`
}

const sendBuffer = 16

// client is one open websocket of a user.
type client struct {
	userID string
	send   chan []byte
}

// Hub tracks open clients by user id. It implements ban.Notifier and
// ban.Navigator.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(userID string) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("register: hub closed")
	}
	c := &client{userID: userID, send: make(chan []byte, sendBuffer)}
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// Connected returns the number of open clients of a user.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// NotifyBan sends the ban notice to every client of the user.
func (h *Hub) NotifyBan(userID string, n ban.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("NotifyBan: %w", err)
	}
	sent := h.send(userID, data)
	h.logger.Info("ban notice sent", zap.String("user_id", userID), zap.Int("clients", sent))
	return nil
}

// Navigate sends a redirect to every client of the user, then disconnects
// them.
func (h *Hub) Navigate(userID, path string) error {
	data, err := json.Marshal(NavigateMessage{Type: MsgNavigate, Path: path})
	if err != nil {
		return fmt.Errorf("Navigate: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	for c := range set {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("navigate dropped, client buffer full", zap.String("user_id", userID))
		}
		close(c.send)
	}
	delete(h.clients, userID)
	h.logger.Info("navigate sent", zap.String("user_id", userID), zap.String("path", path), zap.Int("clients", len(set)))
	return nil
}

func (h *Hub) send(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
			sent++
		default:
			// drop if buffer full
		}
	}
	return sent
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, userID)
	}
}
