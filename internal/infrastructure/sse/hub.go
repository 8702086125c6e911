package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/observability"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client channel full")
)

// Client is one connected event stream. An empty event filter receives
// everything.
type Client struct {
	ClientID    string
	Events      map[string]struct{}
	ConnectedAt time.Time
	MessageChan chan *Message

	closeOnce sync.Once
}

func NewClient(clientID string, events []string) *Client {
	filter := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e != "" {
			filter[e] = struct{}{}
		}
	}
	return &Client{
		ClientID:    clientID,
		Events:      filter,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

// Close closes the client's message channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

func (c *Client) Wants(event string) bool {
	if len(c.Events) == 0 {
		return true
	}
	_, ok := c.Events[event]
	return ok
}

// Message is one event written to a stream.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// MessageFromNotification wraps a coordinator notification; the event name
// is the notification method.
func MessageFromNotification(n protocol.Notification) (*Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	msg := NewMessage(n.Method, data)
	if !n.ReceivedAt.IsZero() {
		msg.Timestamp = n.ReceivedAt.UTC()
	}
	return msg, nil
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "sse").Logger(),
	}
}

// Register adds a client, replacing any client with the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok && old != client {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

// Unregister removes client if it is still the registered one for its id.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		delete(h.clients, client.ClientID)
	}
	client.Close()
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers message to every interested client and returns how
// many received it. Full clients lose the message.
func (h *Hub) Broadcast(message *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		if !c.Wants(message.Event) {
			continue
		}
		if trySend(c, message) {
			delivered++
			continue
		}
		observability.RecordNotificationDropped()
		h.logger.Debug().Str("client_id", c.ClientID).Str("event", message.Event).Msg("sse client full, message dropped")
	}
	return delivered
}

func (h *Hub) SendToClient(clientID string, message *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, message) {
		return ErrChannelFull
	}
	return nil
}

// Pump forwards notifications to clients until ctx ends or the source
// closes.
func (h *Hub) Pump(ctx context.Context, source <-chan protocol.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-source:
			if !ok {
				return
			}
			msg, err := MessageFromNotification(n)
			if err != nil {
				h.logger.Warn().Err(err).Str("method", n.Method).Msg("failed to encode notification")
				continue
			}
			h.Broadcast(msg)
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
