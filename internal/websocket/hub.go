package chatws

import (
	"encoding/json"
	"log"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
)

// Hub fans adjustment-conversation events out to every websocket
// connection of the owning user. Unlike a two-party chat relay it only
// ever targets one user per event.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	events     chan *userEvent
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

const (
	EventAssistantMessage = "assistant_message"
	EventProposalReady    = "proposal_ready"
	EventValidated        = "validated"
	EventRejected         = "rejected"
)

type Event struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	State          string `json:"state,omitempty"`
	Content        string `json:"content,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type userEvent struct {
	userID string
	event  *Event
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *userEvent, 64),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 32),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			set, ok := h.clients[client.userID]
			if !ok {
				continue
			}
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
			}
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		case delivery := <-h.events:
			h.deliver(delivery.userID, delivery.event)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Notify queues an event for the user's connected clients. It never
// blocks the calling handler; a full queue drops the event.
func (h *Hub) Notify(userID string, event *Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	select {
	case h.events <- &userEvent{userID: userID, event: event}:
	default:
		log.Printf("conversation hub queue full, dropping %s event", event.Type)
	}
}

func (h *Hub) deliver(userID string, event *Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		log.Printf("conversation hub encode event: %v", err)
		return
	}

	set, ok := h.clients[userID]
	if !ok {
		return
	}

	for client := range set {
		select {
		case client.send <- encoded:
		default:
			delete(set, client)
			close(client.send)
		}
	}
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

// ReadPump drains the connection until the client goes away. Incoming
// payloads are ignored; all mutations go through the REST surface.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
